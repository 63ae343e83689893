package taskstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpdl/warpq/pkg/warpq"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testTask(url, path string) *warpq.Task {
	canonical, fp, err := warpq.CanonicalizeURL(url)
	if err != nil {
		panic(err)
	}
	now := time.Now().Truncate(time.Millisecond)
	return &warpq.Task{
		ID:           warpq.NewTaskID(),
		URL:          url,
		CanonicalURL: canonical,
		Fingerprint:  fp,
		TargetPath:   path,
		Status:       warpq.Waiting(),
		CreatedAt:    now,
		UpdatedAt:    now,
		FileSize:     warpq.SizeUnknown,
	}
}

func TestSQLiteSaveGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := testTask("https://ex.com/a?b=2&a=1", "/d/a")
	task.FileSize = 4096
	task.Downloaded = 1024
	task.FileHash = "cafebabe"
	task.LastVerifiedAt = time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.SaveTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.URL, got.URL)
	assert.Equal(t, task.CanonicalURL, got.CanonicalURL)
	assert.Equal(t, task.Fingerprint, got.Fingerprint)
	assert.Equal(t, task.TargetPath, got.TargetPath)
	assert.Equal(t, task.Status, got.Status)
	assert.Equal(t, int64(4096), got.FileSize)
	assert.Equal(t, int64(1024), got.Downloaded)
	assert.Equal(t, "cafebabe", got.FileHash)
	assert.True(t, task.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, task.LastVerifiedAt.Equal(got.LastVerifiedAt))
}

func TestSQLiteGetUnknownReturnsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetTask(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteUpsertByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := testTask("https://ex.com/u", "/d/u")
	require.NoError(t, s.SaveTask(ctx, task))

	task.Status = warpq.Failed("connection lost")
	task.Downloaded = 77
	require.NoError(t, s.SaveTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, warpq.Failed("connection lost"), got.Status)
	assert.Equal(t, int64(77), got.Downloaded)

	n, err := s.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStatusTextWithReason(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := testTask("https://ex.com/fs", "/d/fs")
	task.Status = warpq.Failed("recovery failed: engine down")
	require.NoError(t, s.SaveTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, warpq.StatusFailed, got.Status.Code)
	assert.Equal(t, "recovery failed: engine down", got.Status.Reason)
}

func TestSQLiteIdentityConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testTask("https://ex.com/same", "/d/same")
	require.NoError(t, s.SaveTask(ctx, a))

	b := testTask("https://ex.com/same", "/d/same")
	err := s.SaveTask(ctx, b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, warpq.ErrIdentityConflict), "got %v", err)

	// Once the holder is terminal, the identity is free again.
	a.Status = warpq.Completed()
	require.NoError(t, s.SaveTask(ctx, a))
	require.NoError(t, s.SaveTask(ctx, b))
}

func TestSQLiteFindByIdentityPrefersNonTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := testTask("https://ex.com/fi", "/d/fi")
	old.Status = warpq.Completed()
	old.CreatedAt = time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	require.NoError(t, s.SaveTask(ctx, old))

	live := testTask("https://ex.com/fi", "/d/fi")
	require.NoError(t, s.SaveTask(ctx, live))

	got, err := s.FindByIdentity(ctx, live.Identity())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, live.ID, got.ID)

	// No match for a different path.
	got, err = s.FindByIdentity(ctx, warpq.FileIdentifier{
		Fingerprint: live.Fingerprint,
		TargetPath:  "/elsewhere",
	})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteListAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := testTask("https://ex.com/l1", "/d/l1")
	first.CreatedAt = time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	second := testTask("https://ex.com/l2", "/d/l2")
	require.NoError(t, s.SaveTask(ctx, first))
	require.NoError(t, s.SaveTask(ctx, second))

	tasks, err := s.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, first.ID, tasks[0].ID, "oldest first")

	require.NoError(t, s.DeleteTask(ctx, first.ID))
	require.NoError(t, s.DeleteTask(ctx, first.ID), "delete is idempotent")
	n, err := s.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteProgressRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := warpq.NewTaskID()

	_, ok, err := s.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	p := warpq.Progress{Downloaded: 100, Total: 1000, Speed: 50, ETASeconds: 18}
	require.NoError(t, s.SaveProgress(ctx, id, p))

	got, ok, err := s.GetProgress(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, got)

	// Unknown totals survive the nullable column.
	p2 := warpq.Progress{Downloaded: 5, Total: warpq.SizeUnknown, ETASeconds: warpq.SizeUnknown}
	require.NoError(t, s.SaveProgress(ctx, id, p2))
	got, ok, err = s.GetProgress(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p2, got)

	require.NoError(t, s.DeleteProgress(ctx, id))
	_, ok, err = s.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}
