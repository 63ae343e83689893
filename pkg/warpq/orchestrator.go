package warpq

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/warpdl/warpq/pkg/logger"
	"golang.org/x/sync/singleflight"
)

// Orchestrator owns the whole task population: the registry, the bounded
// scheduler, the duplicate gate, the subscriber list, and the persistence
// loop. External callers hold only task ids.
//
// One mutex serializes all registry and scheduler mutations. Engine and
// repository calls are never made while it is held; write-through persists
// happen after the mutation, and their failures roll the status back
// before the command returns.
type Orchestrator struct {
	engine Engine
	repo   Repository
	log    logger.Logger
	fs     afero.Fs
	opts   Options

	mu     sync.Mutex
	reg    *registry
	q      *queue
	subs   []EventHandler
	closed bool

	// handles maps task ids to engine handles; progress caches the last
	// merged snapshot per task. Both are read by the ticker goroutine
	// without the state lock.
	handles  *vmap[TaskID, Handle]
	progress *vmap[TaskID, Progress]

	sf singleflight.Group

	stop chan struct{}
	done chan struct{}
}

// New builds an orchestrator over the given engine and repository, runs
// recovery synchronously, and starts the persistence loop. The returned
// orchestrator is ready: every recoverable task from a previous run is
// already re-registered when New returns.
func New(engine Engine, repo Repository, opts *Options) (*Orchestrator, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: engine is nil", ErrEngineUnavailable)
	}
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	o.setDefaults()

	orch := &Orchestrator{
		engine:   engine,
		repo:     repo,
		log:      o.Logger,
		fs:       o.Fs,
		opts:     o,
		reg:      newRegistry(),
		q:        newQueue(o.Capacity),
		handles:  newVMap[TaskID, Handle](),
		progress: newVMap[TaskID, Progress](),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if err := orch.recoverTasks(context.Background()); err != nil {
		return nil, err
	}

	safeGo(orch.log, "persistence loop", func(any) { close(orch.done) }, orch.run)
	return orch, nil
}

// recoverTasks reconstructs the registry from the store. It runs before
// the orchestrator is published, so no locking is needed. Terminal tasks
// are re-registered but never handed to the engine; non-terminal tasks
// are re-submitted preserving their paused/non-paused disposition, and a
// task the engine refuses is marked failed rather than dropped.
func (o *Orchestrator) recoverTasks(ctx context.Context) error {
	stored, err := o.repo.ListTasks(ctx)
	if err != nil {
		return &PersistenceError{Op: "list tasks", Err: err}
	}
	sort.Slice(stored, func(i, j int) bool {
		if !stored[i].CreatedAt.Equal(stored[j].CreatedAt) {
			return stored[i].CreatedAt.Before(stored[j].CreatedAt)
		}
		return stored[i].ID < stored[j].ID
	})

	var recovered, failed int
	for _, t := range stored {
		if p, ok, perr := o.repo.GetProgress(ctx, t.ID); perr == nil && ok {
			o.progress.set(t.ID, p)
		}
		if t.Status.IsTerminal() {
			o.reg.add(t)
			continue
		}

		h, serr := o.engine.Submit(ctx, t.CanonicalURL, t.TargetPath)
		if serr != nil {
			t.setStatus(Failed(fmt.Sprintf("recovery failed: %v", serr)))
			o.reg.add(t)
			failed++
			if perr := o.repo.SaveTask(ctx, t); perr != nil {
				o.log.Error("persist recovery failure for task %s: %v", t.ID, perr)
			}
			continue
		}
		o.handles.set(t.ID, h)

		switch t.Status.Code {
		case StatusPaused:
			if perr := o.engine.Pause(ctx, h); perr != nil {
				o.log.Warning("pause recovered task %s: %v", t.ID, perr)
			}
			o.reg.add(t)
		default: // Waiting or Downloading
			if o.q.hasSlot() {
				o.q.activate(t.ID)
				t.setStatus(Downloading())
			} else {
				if perr := o.engine.Pause(ctx, h); perr != nil {
					o.log.Warning("park recovered task %s: %v", t.ID, perr)
				}
				t.setStatus(Waiting())
				o.q.enqueue(t.ID)
			}
			o.reg.add(t)
			if perr := o.repo.SaveTask(ctx, t); perr != nil {
				o.log.Warning("persist recovered task %s: %v", t.ID, perr)
			}
		}
		recovered++
	}
	if len(stored) > 0 {
		o.log.Info("recovery: %d stored, %d re-submitted, %d failed", len(stored), recovered, failed)
	}
	return nil
}

// run is the persistence loop body: poll engine status every tick and
// persist task records; every ProgressInterval-th tick also refresh and
// persist progress. Errors here are logged and swallowed; the loop never
// dies, and tasks keep their last known good state.
func (o *Orchestrator) run() {
	ticker := time.NewTicker(o.opts.TickInterval)
	defer ticker.Stop()
	var tick uint64
	for {
		select {
		case <-o.stop:
			close(o.done)
			return
		case <-ticker.C:
			tick++
			o.poll(context.Background(), tick)
		}
	}
}

// poll drives one persistence-loop iteration over every task that has an
// engine handle.
func (o *Orchestrator) poll(ctx context.Context, tick uint64) {
	withProgress := tick%uint64(o.opts.ProgressInterval) == 0
	for id, h := range o.handles.dump() {
		st, err := o.engine.Status(ctx, h)
		if err != nil {
			o.log.Warning("status query for task %s: %v", id, err)
			continue
		}
		switch st.Code {
		case StatusCompleted:
			o.completeTask(ctx, id)
			continue
		case StatusFailed:
			o.failTask(ctx, id, st.Reason)
			continue
		}

		if withProgress {
			o.refreshProgress(ctx, id, h)
		}

		o.mu.Lock()
		t, ok := o.reg.get(id)
		var snapshot *Task
		if ok {
			snapshot = t.clone()
		}
		o.mu.Unlock()
		if snapshot != nil {
			if err := o.repo.SaveTask(ctx, snapshot); err != nil {
				o.log.Warning("persist task %s: %v", id, err)
			}
		}
	}
}

// refreshProgress pulls a progress snapshot from the engine, merges it
// monotonically into the cache, persists it, and notifies subscribers.
func (o *Orchestrator) refreshProgress(ctx context.Context, id TaskID, h Handle) {
	p, err := o.engine.Progress(ctx, h)
	if err != nil {
		o.log.Warning("progress query for task %s: %v", id, err)
		return
	}
	merged := o.mergeProgress(id, p)
	if err := o.repo.SaveProgress(ctx, id, merged); err != nil {
		o.log.Warning("persist progress for task %s: %v", id, err)
	}
	o.emitAll([]event{progressEvent(id, merged)})
}

// mergeProgress clamps a raw engine snapshot against the cached one so
// downloaded bytes never regress and never exceed a known total, then
// mirrors the figures onto the task record.
func (o *Orchestrator) mergeProgress(id TaskID, p Progress) Progress {
	prev, had := o.progress.get(id)
	if had && p.Downloaded < prev.Downloaded {
		p.Downloaded = prev.Downloaded
	}
	if p.Total < 0 && had && prev.Total >= 0 {
		p.Total = prev.Total
	}
	if p.Total >= 0 && p.Downloaded > p.Total {
		p.Downloaded = p.Total
	}
	o.progress.set(id, p)

	o.mu.Lock()
	if t, ok := o.reg.get(id); ok {
		t.Downloaded = p.Downloaded
		if p.Total >= 0 {
			t.FileSize = p.Total
		}
	}
	o.mu.Unlock()
	return p
}

// completeTask moves a task to Completed, frees its slot, and promotes
// the next waiter.
func (o *Orchestrator) completeTask(ctx context.Context, id TaskID) {
	var events []event
	o.mu.Lock()
	t, ok := o.reg.get(id)
	if !ok || !transitionAllowed(t.Status.Code, StatusCompleted) {
		o.mu.Unlock()
		return
	}
	old := t.Status
	t.setStatus(Completed())
	if t.FileSize >= 0 {
		t.Downloaded = t.FileSize
	}
	o.reg.statusChanged(t)
	o.q.deactivate(id)
	o.q.dequeue(id)
	events = append(events, statusEvent(id, old, t.Status), completedEvent(id))
	snapshot := t.clone()
	o.mu.Unlock()

	if h, ok := o.handles.get(id); ok {
		if p, err := o.engine.Progress(ctx, h); err == nil {
			merged := o.mergeProgress(id, p)
			if err := o.repo.SaveProgress(ctx, id, merged); err != nil {
				o.log.Warning("persist final progress for task %s: %v", id, err)
			}
		}
	}
	o.handles.delete(id)

	if err := o.repo.SaveTask(ctx, snapshot); err != nil {
		o.log.Warning("persist completed task %s: %v", id, err)
	}
	o.emitAll(events)
	o.promote(ctx)
}

// failTask moves a task to Failed, frees its slot, and promotes the next
// waiter.
func (o *Orchestrator) failTask(ctx context.Context, id TaskID, reason string) {
	var events []event
	o.mu.Lock()
	t, ok := o.reg.get(id)
	if !ok || !transitionAllowed(t.Status.Code, StatusFailed) {
		o.mu.Unlock()
		return
	}
	old := t.Status
	t.setStatus(Failed(reason))
	o.reg.statusChanged(t)
	o.q.deactivate(id)
	o.q.dequeue(id)
	events = append(events, statusEvent(id, old, t.Status), failedEvent(id, reason))
	snapshot := t.clone()
	o.mu.Unlock()

	o.handles.delete(id)
	if err := o.repo.SaveTask(ctx, snapshot); err != nil {
		o.log.Warning("persist failed task %s: %v", id, err)
	}
	o.emitAll(events)
	o.promote(ctx)
}

// promote fills freed slots from the waiting queue: exactly one promotion
// per free slot, FIFO, until the queue drains or the active set is full.
// A promoted task whose engine hand-off fails is marked Failed and its
// slot is re-filled on the next loop iteration.
func (o *Orchestrator) promote(ctx context.Context) {
	for {
		var events []event
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return
		}
		id, ok := o.q.promote()
		if !ok {
			o.mu.Unlock()
			return
		}
		t, exists := o.reg.get(id)
		if !exists {
			o.q.deactivate(id)
			o.mu.Unlock()
			continue
		}
		old := t.Status
		t.setStatus(Downloading())
		o.reg.statusChanged(t)
		events = append(events, statusEvent(id, old, t.Status))
		url, path := t.CanonicalURL, t.TargetPath
		snapshot := t.clone()
		o.mu.Unlock()

		if err := o.startTransfer(ctx, id, url, path); err != nil {
			o.mu.Lock()
			if t, ok := o.reg.get(id); ok {
				failedFrom := t.Status
				t.setStatus(Failed(err.Error()))
				o.reg.statusChanged(t)
				events = append(events, statusEvent(id, failedFrom, t.Status), failedEvent(id, t.Status.Reason))
				snapshot = t.clone()
			}
			o.q.deactivate(id)
			o.mu.Unlock()
		}

		if perr := o.repo.SaveTask(ctx, snapshot); perr != nil {
			o.log.Warning("persist promoted task %s: %v", id, perr)
		}
		o.emitAll(events)
	}
}

// startTransfer hands a task to the engine. A task that already holds a
// handle (it was paused, or parked during recovery) is resumed; otherwise
// a fresh submission records the handle the engine returns.
func (o *Orchestrator) startTransfer(ctx context.Context, id TaskID, url, path string) error {
	if h, ok := o.handles.get(id); ok {
		if err := o.engine.Resume(ctx, h); err == nil {
			return nil
		}
		o.handles.delete(id)
	}
	h, err := o.engine.Submit(ctx, url, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	o.handles.set(id, h)
	return nil
}

// emitAll delivers events to every subscriber, sequentially, in
// registration order. Called with the state lock released.
func (o *Orchestrator) emitAll(events []event) {
	if len(events) == 0 {
		return
	}
	o.mu.Lock()
	handlers := make([]EventHandler, len(o.subs))
	copy(handlers, o.subs)
	o.mu.Unlock()
	for _, e := range events {
		e.deliver(handlers)
	}
}

func (o *Orchestrator) checkOpen() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOrchestratorClosed
	}
	return nil
}

// Submit admits a download under the default ReuseExisting policy and
// returns the task id, freshly created or reused.
func (o *Orchestrator) Submit(ctx context.Context, url, path string) (TaskID, error) {
	res, err := o.SubmitWithPolicy(ctx, url, path, ReuseExisting)
	if err != nil {
		return "", err
	}
	id, _ := res.Task()
	return id, nil
}

// SubmitWithPolicy runs the submission through the duplicate gate and, if
// the verdict allows, admits it. A PolicyViolation verdict is returned
// both in the Resolution and as a *PolicyViolationError. Concurrent
// identical submissions are collapsed: they share a single gate pass and
// receive the same resolution.
func (o *Orchestrator) SubmitWithPolicy(ctx context.Context, rawURL, path string, policy Policy) (Resolution, error) {
	if err := o.checkOpen(); err != nil {
		return Resolution{}, err
	}
	canonical, fp, err := CanonicalizeURL(rawURL)
	if err != nil {
		return Resolution{}, err
	}
	if err := validateTargetPath(path); err != nil {
		return Resolution{}, err
	}

	key := fp + "\x00" + path + "\x00" + policy.String()
	v, err, _ := o.sf.Do(key, func() (any, error) {
		return o.admit(ctx, rawURL, canonical, fp, path, policy, false)
	})
	res, _ := v.(Resolution)
	return res, err
}

// Pause suspends a waiting or downloading task. The freed slot is
// re-filled from the waiting queue before Pause returns.
func (o *Orchestrator) Pause(ctx context.Context, id TaskID) error {
	if err := o.checkOpen(); err != nil {
		return err
	}
	o.mu.Lock()
	t, ok := o.reg.get(id)
	if !ok {
		o.mu.Unlock()
		return &TaskNotFoundError{ID: id}
	}
	if !t.Status.CanPause() {
		err := &InvalidTransitionError{ID: id, From: t.Status, To: Paused()}
		o.mu.Unlock()
		return err
	}
	old := t.Status
	wasActive := o.q.deactivate(id)
	o.q.dequeue(id)
	t.setStatus(Paused())
	o.reg.statusChanged(t)
	snapshot := t.clone()
	o.mu.Unlock()

	if err := o.repo.SaveTask(ctx, snapshot); err != nil {
		o.mu.Lock()
		if t, ok := o.reg.get(id); ok {
			t.setStatus(old)
			o.reg.statusChanged(t)
			if wasActive {
				o.q.activate(id)
			} else if old.Code == StatusWaiting {
				o.q.enqueue(id)
			}
		}
		o.mu.Unlock()
		return &PersistenceError{Op: "save task", Err: err}
	}

	if h, ok := o.handles.get(id); ok {
		if err := o.engine.Pause(ctx, h); err != nil {
			o.log.Warning("engine pause for task %s: %v", id, err)
		}
	}
	o.emitAll([]event{statusEvent(id, old, Paused())})
	o.promote(ctx)
	return nil
}

// Resume restarts a paused or failed task: straight into the active set
// when a slot is free, otherwise onto the waiting queue tail. Resuming a
// failed task clears its failure reason.
func (o *Orchestrator) Resume(ctx context.Context, id TaskID) error {
	if err := o.checkOpen(); err != nil {
		return err
	}
	var events []event
	o.mu.Lock()
	t, ok := o.reg.get(id)
	if !ok {
		o.mu.Unlock()
		return &TaskNotFoundError{ID: id}
	}
	if !t.Status.CanResume() {
		err := &InvalidTransitionError{ID: id, From: t.Status, To: Downloading()}
		o.mu.Unlock()
		return err
	}
	old := t.Status
	activated := o.q.activate(id)
	if activated {
		t.setStatus(Downloading())
	} else {
		t.setStatus(Waiting())
		o.q.enqueue(id)
	}
	o.reg.statusChanged(t)
	events = append(events, statusEvent(id, old, t.Status))
	url, path := t.CanonicalURL, t.TargetPath
	snapshot := t.clone()
	o.mu.Unlock()

	if err := o.repo.SaveTask(ctx, snapshot); err != nil {
		o.mu.Lock()
		if t, ok := o.reg.get(id); ok {
			t.setStatus(old)
			o.reg.statusChanged(t)
		}
		o.q.deactivate(id)
		o.q.dequeue(id)
		o.mu.Unlock()
		return &PersistenceError{Op: "save task", Err: err}
	}

	if activated {
		if err := o.startTransfer(ctx, id, url, path); err != nil {
			o.mu.Lock()
			if t, ok := o.reg.get(id); ok {
				failedFrom := t.Status
				t.setStatus(Failed(err.Error()))
				o.reg.statusChanged(t)
				events = append(events, statusEvent(id, failedFrom, t.Status), failedEvent(id, t.Status.Reason))
				snapshot = t.clone()
			}
			o.q.deactivate(id)
			o.mu.Unlock()
			if perr := o.repo.SaveTask(ctx, snapshot); perr != nil {
				o.log.Warning("persist task %s: %v", id, perr)
			}
			o.emitAll(events)
			o.promote(ctx)
			return err
		}
	}
	o.emitAll(events)
	return nil
}

// Cancel drops the task from whichever set holds it, tells the engine to
// stop best-effort, and removes it from the registry and the store. It is
// idempotent, accepts unknown ids, and never returns an error while the
// orchestrator is open; store failures are logged, the in-memory removal
// stands.
func (o *Orchestrator) Cancel(ctx context.Context, id TaskID) error {
	if err := o.checkOpen(); err != nil {
		return err
	}
	o.mu.Lock()
	_, ok := o.reg.get(id)
	if !ok {
		o.mu.Unlock()
		return nil
	}
	o.q.deactivate(id)
	o.q.dequeue(id)
	o.reg.remove(id)
	o.mu.Unlock()

	if h, ok := o.handles.get(id); ok {
		if err := o.engine.Cancel(ctx, h); err != nil {
			o.log.Warning("engine cancel for task %s: %v", id, err)
		}
		o.handles.delete(id)
	}
	o.progress.delete(id)

	if err := o.repo.DeleteTask(ctx, id); err != nil {
		o.log.Warning("delete task %s: %v", id, err)
	}
	if err := o.repo.DeleteProgress(ctx, id); err != nil {
		o.log.Warning("delete progress for task %s: %v", id, err)
	}
	o.promote(ctx)
	return nil
}

// GetTask returns a copy of the task record.
func (o *Orchestrator) GetTask(id TaskID) (*Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.reg.get(id)
	if !ok {
		return nil, &TaskNotFoundError{ID: id}
	}
	return t.clone(), nil
}

// GetProgress returns the latest known progress snapshot without touching
// the engine. Before the first ticker refresh it is synthesized from the
// persisted task record.
func (o *Orchestrator) GetProgress(id TaskID) (Progress, error) {
	o.mu.Lock()
	t, ok := o.reg.get(id)
	if !ok {
		o.mu.Unlock()
		return Progress{}, &TaskNotFoundError{ID: id}
	}
	downloaded, total := t.Downloaded, t.FileSize
	completed := t.Status.Code == StatusCompleted
	o.mu.Unlock()

	if p, ok := o.progress.get(id); ok {
		return p, nil
	}
	p := Progress{Downloaded: downloaded, Total: total, ETASeconds: SizeUnknown}
	if completed && total >= 0 {
		p.Downloaded = total
	}
	return p, nil
}

// ListTasks returns copies of every registered task, oldest first.
func (o *Orchestrator) ListTasks() []*Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	tasks := o.reg.tasks()
	out := make([]*Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.clone()
	}
	return out
}

// ActiveCount returns the size of the active set.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.q.activeCount()
}

// WaitingCount returns the length of the waiting queue.
func (o *Orchestrator) WaitingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.q.waitingCount()
}

// Capacity returns the configured active-set bound.
func (o *Orchestrator) Capacity() int { return o.q.capacity }

// Subscribe registers an event handler. Handlers registered after an
// event are not replayed.
func (o *Orchestrator) Subscribe(h EventHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs = append(o.subs, h)
}

// VerifyValidity reports whether a task is still fit for reuse: it must
// be registered, and a completed task must still have its file on disk.
func (o *Orchestrator) VerifyValidity(ctx context.Context, id TaskID) (bool, error) {
	o.mu.Lock()
	t, ok := o.reg.get(id)
	var path string
	var completed bool
	if ok {
		path = t.TargetPath
		completed = t.Status.Code == StatusCompleted
	}
	o.mu.Unlock()
	if !ok {
		return false, nil
	}
	if !completed {
		return true, nil
	}
	exists, err := afero.Exists(o.fs, path)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return exists, nil
}

// SetFileHash records the content hash an external verifier computed for
// a completed task. Write-through: the store reflects the hash before the
// call returns.
func (o *Orchestrator) SetFileHash(ctx context.Context, id TaskID, hash string) error {
	if err := o.checkOpen(); err != nil {
		return err
	}
	o.mu.Lock()
	t, ok := o.reg.get(id)
	if !ok {
		o.mu.Unlock()
		return &TaskNotFoundError{ID: id}
	}
	prevHash, prevAt := t.FileHash, t.LastVerifiedAt
	t.FileHash = hash
	t.LastVerifiedAt = time.Now()
	snapshot := t.clone()
	o.mu.Unlock()

	if err := o.repo.SaveTask(ctx, snapshot); err != nil {
		o.mu.Lock()
		if t, ok := o.reg.get(id); ok {
			t.FileHash, t.LastVerifiedAt = prevHash, prevAt
		}
		o.mu.Unlock()
		return &PersistenceError{Op: "save task", Err: err}
	}
	return nil
}

// Flush purges every terminal task from the registry and the store.
func (o *Orchestrator) Flush(ctx context.Context) error {
	if err := o.checkOpen(); err != nil {
		return err
	}
	o.mu.Lock()
	var removed []TaskID
	for _, t := range o.reg.tasks() {
		if t.Status.IsTerminal() {
			removed = append(removed, t.ID)
		}
	}
	for _, id := range removed {
		o.reg.remove(id)
	}
	o.mu.Unlock()

	var firstErr error
	for _, id := range removed {
		o.handles.delete(id)
		o.progress.delete(id)
		if err := o.repo.DeleteTask(ctx, id); err != nil && firstErr == nil {
			firstErr = &PersistenceError{Op: "delete task", Err: err}
		}
		if err := o.repo.DeleteProgress(ctx, id); err != nil && firstErr == nil {
			firstErr = &PersistenceError{Op: "delete progress", Err: err}
		}
	}
	return firstErr
}

// FlushOne purges a single terminal task.
func (o *Orchestrator) FlushOne(ctx context.Context, id TaskID) error {
	if err := o.checkOpen(); err != nil {
		return err
	}
	o.mu.Lock()
	t, ok := o.reg.get(id)
	if !ok {
		o.mu.Unlock()
		return &TaskNotFoundError{ID: id}
	}
	if !t.Status.IsTerminal() {
		o.mu.Unlock()
		return ErrFlushActive
	}
	o.reg.remove(id)
	o.mu.Unlock()

	o.handles.delete(id)
	o.progress.delete(id)
	if err := o.repo.DeleteTask(ctx, id); err != nil {
		return &PersistenceError{Op: "delete task", Err: err}
	}
	if err := o.repo.DeleteProgress(ctx, id); err != nil {
		return &PersistenceError{Op: "delete progress", Err: err}
	}
	return nil
}

// Shutdown signals the persistence loop, waits for it to quiesce, then
// flushes every task that still holds an engine handle. The wait for the
// loop and the final flush are each bounded by the configured grace
// period, so Shutdown returns even if the engine or the repository hangs.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()
	close(o.stop)

	grace := o.opts.ShutdownGrace
	select {
	case <-o.done:
	case <-time.After(grace):
		o.log.Warning("persistence loop did not quiesce within %s", grace)
	case <-ctx.Done():
	}

	fctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	flushed := make(chan struct{})
	go func() {
		o.finalFlush(fctx)
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-fctx.Done():
		o.log.Warning("final flush did not finish within %s", grace)
	}
	return nil
}

// finalFlush persists the freshest record and progress for every task
// still known to the engine.
func (o *Orchestrator) finalFlush(ctx context.Context) {
	for id, h := range o.handles.dump() {
		if st, err := o.engine.Status(ctx, h); err == nil {
			o.mu.Lock()
			if t, ok := o.reg.get(id); ok && t.Status.Code != st.Code &&
				transitionAllowed(t.Status.Code, st.Code) {
				t.setStatus(st)
				o.reg.statusChanged(t)
			}
			o.mu.Unlock()
		}
		if p, err := o.engine.Progress(ctx, h); err == nil {
			merged := o.mergeProgress(id, p)
			if err := o.repo.SaveProgress(ctx, id, merged); err != nil {
				o.log.Warning("final progress flush for task %s: %v", id, err)
			}
		}
		o.mu.Lock()
		t, ok := o.reg.get(id)
		var snapshot *Task
		if ok {
			snapshot = t.clone()
		}
		o.mu.Unlock()
		if snapshot != nil {
			if err := o.repo.SaveTask(ctx, snapshot); err != nil {
				o.log.Warning("final flush for task %s: %v", id, err)
			}
		}
	}
}

// validateTargetPath rejects empty paths and paths that name a directory.
// Whether the directory exists or is writable is the engine's concern.
func validateTargetPath(path string) error {
	p := strings.TrimSpace(path)
	if p == "" {
		return fmt.Errorf("%w: path is empty", ErrInvalidPath)
	}
	if strings.HasSuffix(p, "/") || strings.HasSuffix(p, string(os.PathSeparator)) {
		return fmt.Errorf("%w: %q names a directory", ErrInvalidPath, path)
	}
	switch filepath.Base(p) {
	case ".", "..", string(os.PathSeparator):
		return fmt.Errorf("%w: %q has no file name", ErrInvalidPath, path)
	}
	return nil
}
