package taskstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warpdl/warpq/pkg/warpq"
)

// Memory is an in-process warpq.Repository. It mirrors the SQLite store's
// semantics, including the non-terminal identity uniqueness check, so
// tests exercise the same contract the durable store enforces.
type Memory struct {
	mu       sync.Mutex
	tasks    map[warpq.TaskID]*warpq.Task
	progress map[warpq.TaskID]warpq.Progress
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[warpq.TaskID]*warpq.Task),
		progress: make(map[warpq.TaskID]warpq.Progress),
	}
}

func cloneTask(t *warpq.Task) *warpq.Task {
	c := *t
	return &c
}

// SaveTask upserts the task, rejecting a non-terminal sibling of an
// existing non-terminal task with the same identity.
func (m *Memory) SaveTask(ctx context.Context, t *warpq.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !t.Status.IsTerminal() {
		for _, other := range m.tasks {
			if other.ID != t.ID && !other.Status.IsTerminal() &&
				other.Fingerprint == t.Fingerprint && other.TargetPath == t.TargetPath {
				return fmt.Errorf("%w: task %s holds (%s, %s)",
					warpq.ErrIdentityConflict, other.ID, t.Fingerprint, t.TargetPath)
			}
		}
	}
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

// GetTask returns the task, or (nil, nil) when absent.
func (m *Memory) GetTask(ctx context.Context, id warpq.TaskID) (*warpq.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return cloneTask(t), nil
}

// DeleteTask removes the task; unknown ids are a no-op.
func (m *Memory) DeleteTask(ctx context.Context, id warpq.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

// ListTasks returns every stored task, oldest first.
func (m *Memory) ListTasks(ctx context.Context) ([]*warpq.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*warpq.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CountTasks returns the number of stored tasks.
func (m *Memory) CountTasks(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks), nil
}

// FindByIdentity returns a non-terminal task with the identity if one
// exists, otherwise the newest terminal sibling, otherwise (nil, nil).
func (m *Memory) FindByIdentity(ctx context.Context, key warpq.FileIdentifier) (*warpq.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *warpq.Task
	for _, t := range m.tasks {
		if t.Fingerprint != key.Fingerprint || t.TargetPath != key.TargetPath {
			continue
		}
		if !t.Status.IsTerminal() {
			return cloneTask(t), nil
		}
		if best == nil || t.CreatedAt.After(best.CreatedAt) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneTask(best), nil
}

// SaveProgress upserts the snapshot.
func (m *Memory) SaveProgress(ctx context.Context, id warpq.TaskID, p warpq.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[id] = p
	return nil
}

// GetProgress returns the snapshot; ok is false when none was saved.
func (m *Memory) GetProgress(ctx context.Context, id warpq.TaskID) (warpq.Progress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[id]
	return p, ok, nil
}

// DeleteProgress removes the snapshot; unknown ids are a no-op.
func (m *Memory) DeleteProgress(ctx context.Context, id warpq.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.progress, id)
	return nil
}

var _ warpq.Repository = (*Memory)(nil)
