package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/urfave/cli"

	"github.com/warpdl/warpq/pkg/httpengine"
	"github.com/warpdl/warpq/pkg/logger"
	"github.com/warpdl/warpq/pkg/taskstore"
	"github.com/warpdl/warpq/pkg/warpq"
)

// get submits each url as a task and blocks with live progress bars until
// every submitted task reaches a terminal state.
func get(ctx *cli.Context) error {
	urls := ctx.Args()
	if len(urls) == 0 {
		return cli.ShowCommandHelp(ctx, "get")
	}
	if fileName != "" && len(urls) > 1 {
		return errors.New("--file-name only works with a single url")
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		printRuntimeErr("get", "data_dir", err)
		return err
	}
	store, err := taskstore.Open(filepath.Join(dataDir, "tasks.db"))
	if err != nil {
		printRuntimeErr("get", "open_store", err)
		return err
	}
	defer store.Close()

	engine := httpengine.New(&httpengine.Options{
		SpeedLimit: speedLimit,
	})
	orch, err := warpq.New(engine, store, &warpq.Options{
		Capacity:     maxActive,
		TickInterval: 500 * time.Millisecond,
		Logger:       logger.NewStandardLogger(log.New(os.Stderr, "", log.LstdFlags)),
	})
	if err != nil {
		printRuntimeErr("get", "init", err)
		return err
	}

	ui := newProgressUI()
	orch.Subscribe(ui.handler())

	var submitted []warpq.TaskID
	for _, rawURL := range urls {
		target, terr := targetFor(rawURL)
		if terr != nil {
			printRuntimeErr("get", "target", terr)
			continue
		}
		id, serr := orch.Submit(context.Background(), rawURL, target)
		if serr != nil {
			printRuntimeErr("get", "submit", serr)
			continue
		}
		t, gerr := orch.GetTask(id)
		if gerr != nil {
			continue
		}
		// A reused, already-completed task needs no bar.
		if t.Status.Code == warpq.StatusCompleted {
			fmt.Printf("already downloaded: %s\n", t.TargetPath)
			continue
		}
		ui.track(id, path.Base(t.TargetPath))
		submitted = append(submitted, id)
	}

	ui.wait(submitted)
	for _, id := range submitted {
		t, gerr := orch.GetTask(id)
		if gerr != nil {
			continue
		}
		switch t.Status.Code {
		case warpq.StatusCompleted:
			fmt.Printf("saved: %s\n", t.TargetPath)
		case warpq.StatusFailed:
			fmt.Printf("failed: %s (%s)\n", t.TargetPath, t.Status.Reason)
		}
	}
	return orch.Shutdown(context.Background())
}

// targetFor derives the destination path for a url from the flags.
func targetFor(rawURL string) (string, error) {
	name := fileName
	if name == "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", err
		}
		name = path.Base(u.Path)
		if name == "" || name == "." || name == "/" {
			name = "index.html"
		}
	}
	dir := outPath
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, name), nil
}

// done is a tiny waiter keyed by task id; the UI closes a task's channel
// when its terminal event arrives.
type done struct {
	mu sync.Mutex
	ch map[warpq.TaskID]chan struct{}
}

func (d *done) channel(id warpq.TaskID) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch == nil {
		d.ch = make(map[warpq.TaskID]chan struct{})
	}
	ch, ok := d.ch[id]
	if !ok {
		ch = make(chan struct{})
		d.ch[id] = ch
	}
	return ch
}

func (d *done) signal(id warpq.TaskID) {
	ch := d.channel(id)
	select {
	case <-ch:
	default:
		close(ch)
	}
}
