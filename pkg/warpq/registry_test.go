package warpq

import (
	"testing"
	"time"
)

func makeTask(url, path string) *Task {
	canonical, fp, err := CanonicalizeURL(url)
	if err != nil {
		panic(err)
	}
	return newTask(url, canonical, fp, path)
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := newRegistry()
	task := makeTask("https://ex.com/a", "/d/a")
	r.add(task)

	got, ok := r.get(task.ID)
	if !ok || got.ID != task.ID {
		t.Fatal("task not found after add")
	}
	if _, ok := r.match(task.Identity()); !ok {
		t.Fatal("identity lookup failed")
	}

	if _, ok := r.remove(task.ID); !ok {
		t.Fatal("remove failed")
	}
	if _, ok := r.get(task.ID); ok {
		t.Fatal("task still present after remove")
	}
	if _, ok := r.match(task.Identity()); ok {
		t.Fatal("identity still mapped after remove")
	}
}

func TestRegistryNonTerminalIndexFollowsStatus(t *testing.T) {
	r := newRegistry()
	task := makeTask("https://ex.com/a", "/d/a")
	r.add(task)

	task.setStatus(Downloading())
	r.statusChanged(task)
	task.setStatus(Completed())
	r.statusChanged(task)

	// The terminal task must still be findable as a match...
	m, ok := r.match(task.Identity())
	if !ok || m.ID != task.ID {
		t.Fatal("terminal sibling should still match")
	}
	// ...but the identity slot is free for a new non-terminal task.
	sibling := makeTask("https://ex.com/a", "/d/a")
	r.add(sibling)
	m, _ = r.match(task.Identity())
	if m.ID != sibling.ID {
		t.Error("non-terminal sibling should win the match")
	}
}

func TestRegistryCandidatesOldestFirst(t *testing.T) {
	r := newRegistry()
	a := makeTask("https://ex.com/a", "/d/a")
	a.CreatedAt = time.Now().Add(-2 * time.Hour)
	a.setStatus(Completed())
	b := makeTask("https://ex.com/a", "/d/a")
	b.CreatedAt = time.Now().Add(-1 * time.Hour)
	r.add(a)
	r.add(b)

	cands := r.candidates(a.Identity())
	if len(cands) != 2 {
		t.Fatalf("candidates = %d", len(cands))
	}
	if cands[0] != a.ID || cands[1] != b.ID {
		t.Error("candidates not in creation order")
	}
}

func TestRegistryTasksSorted(t *testing.T) {
	r := newRegistry()
	newer := makeTask("https://ex.com/n", "/d/n")
	newer.CreatedAt = time.Now()
	older := makeTask("https://ex.com/o", "/d/o")
	older.CreatedAt = time.Now().Add(-time.Hour)
	r.add(newer)
	r.add(older)

	tasks := r.tasks()
	if len(tasks) != 2 || tasks[0].ID != older.ID {
		t.Error("tasks not sorted oldest first")
	}
}
