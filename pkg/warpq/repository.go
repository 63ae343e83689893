package warpq

import (
	"context"
	"time"

	"github.com/spf13/afero"
	"github.com/warpdl/warpq/pkg/logger"
)

// Repository is the contract the persistence loop needs from the durable
// store. Implementations serialize their own writes; the orchestrator
// never holds its state lock across a Repository call.
//
// Implementations must refuse to save a non-terminal task whose
// (fingerprint, target path) identity is already held by a *different*
// non-terminal task, returning an error wrapping ErrIdentityConflict.
// That constraint backs invariant I3 against racing writers.
type Repository interface {
	// SaveTask upserts the task by id.
	SaveTask(ctx context.Context, t *Task) error
	// GetTask returns the task, or (nil, nil) when the id is unknown.
	GetTask(ctx context.Context, id TaskID) (*Task, error)
	// DeleteTask removes the task row. Unknown ids are not an error.
	DeleteTask(ctx context.Context, id TaskID) error
	// ListTasks returns every persisted task.
	ListTasks(ctx context.Context) ([]*Task, error)
	// CountTasks returns the number of persisted tasks.
	CountTasks(ctx context.Context) (int, error)
	// FindByIdentity returns the most relevant task with the given
	// identity (a non-terminal one if present), or (nil, nil).
	FindByIdentity(ctx context.Context, key FileIdentifier) (*Task, error)

	// SaveProgress upserts the task's progress snapshot.
	SaveProgress(ctx context.Context, id TaskID, p Progress) error
	// GetProgress returns the stored snapshot; ok is false when none
	// was ever saved.
	GetProgress(ctx context.Context, id TaskID) (p Progress, ok bool, err error)
	// DeleteProgress removes the snapshot. Unknown ids are not an error.
	DeleteProgress(ctx context.Context, id TaskID) error
}

// Options configures an Orchestrator. The zero value gets sensible
// defaults from New.
type Options struct {
	// Capacity bounds the active set. Default 3.
	Capacity int
	// TickInterval is the persistence-loop period. Default 1s.
	TickInterval time.Duration
	// ProgressInterval is how many ticks pass between progress
	// persists. Default 5.
	ProgressInterval int
	// ShutdownGrace bounds how long Shutdown waits for the ticker and
	// the final flush. Default 5s.
	ShutdownGrace time.Duration
	// Logger receives orchestrator diagnostics. Default discards.
	Logger logger.Logger
	// Fs is the filesystem used for target-file validity checks.
	// Default is the OS filesystem.
	Fs afero.Fs
}

func (o *Options) setDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 5
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.NewNopLogger()
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
}
