package warpq

import (
	"runtime/debug"

	"github.com/warpdl/warpq/pkg/logger"
)

// safeGo runs fn in a goroutine with panic recovery. Panics are logged
// with a stack trace; onPanic, if non-nil, is called with the recovered
// value so the caller can release resources the goroutine owned.
func safeGo(l logger.Logger, context string, onPanic func(r any), fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if l != nil {
					l.Error("PANIC [%s]: %v\n%s", context, r, debug.Stack())
				}
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
