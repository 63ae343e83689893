package httpengine

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpdl/warpq/pkg/warpq"
)

func waitForStatus(t *testing.T, e *Engine, h warpq.Handle, code warpq.StatusCode) warpq.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := e.Status(context.Background(), h)
		require.NoError(t, err)
		if st.Code == code {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := e.Status(context.Background(), h)
	t.Fatalf("status never reached %s, last was %s", code, st)
	return warpq.Status{}
}

func TestDownloadCompletes(t *testing.T) {
	payload := bytes.Repeat([]byte("warp"), 16*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	e := New(&Options{Fs: fs})

	h, err := e.Submit(context.Background(), srv.URL+"/file.bin", "/dl/file.bin")
	require.NoError(t, err)
	waitForStatus(t, e, h, warpq.StatusCompleted)

	got, err := afero.ReadFile(fs, "/dl/file.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	p, err := e.Progress(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), p.Downloaded)
	assert.Equal(t, int64(len(payload)), p.Total)
}

func TestDownloadFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	e := New(&Options{Fs: afero.NewMemMapFs()})
	h, err := e.Submit(context.Background(), srv.URL+"/missing", "/dl/missing")
	require.NoError(t, err)

	st := waitForStatus(t, e, h, warpq.StatusFailed)
	assert.Contains(t, st.Reason, "unexpected response status")
}

func TestSubmitRejectsBadScheme(t *testing.T) {
	e := New(nil)
	_, err := e.Submit(context.Background(), "ftp://ex.com/f", "/dl/f")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestUnknownHandleQueries(t *testing.T) {
	e := New(nil)
	_, err := e.Status(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownHandle)
	_, err = e.Progress(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownHandle)
	// Control calls on unknown handles are idempotent no-ops.
	assert.NoError(t, e.Pause(context.Background(), "ghost"))
	assert.NoError(t, e.Resume(context.Background(), "ghost"))
	assert.NoError(t, e.Cancel(context.Background(), "ghost"))
}

// slowHandler streams its payload in small flushes so tests can interrupt
// a transfer mid-flight.
func slowHandler(payload []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < len(payload); i += 1024 {
			end := i + 1024
			if end > len(payload) {
				end = len(payload)
			}
			w.Write(payload[i:end])
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestPauseResumeRestartsTransfer(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 64*1024)
	srv := httptest.NewServer(slowHandler(payload))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	e := New(&Options{Fs: fs})
	h, err := e.Submit(context.Background(), srv.URL+"/slow.bin", "/dl/slow.bin")
	require.NoError(t, err)

	// Let some bytes flow, then pause.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p, perr := e.Progress(context.Background(), h)
		require.NoError(t, perr)
		if p.Downloaded > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, e.Pause(context.Background(), h))
	st, err := e.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, warpq.StatusPaused, st.Code)
	// Pause is idempotent.
	require.NoError(t, e.Pause(context.Background(), h))

	require.NoError(t, e.Resume(context.Background(), h))
	waitForStatus(t, e, h, warpq.StatusCompleted)

	got, err := afero.ReadFile(fs, "/dl/slow.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCancelForgetsHandle(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 256*1024)
	srv := httptest.NewServer(slowHandler(payload))
	defer srv.Close()

	e := New(&Options{Fs: afero.NewMemMapFs()})
	h, err := e.Submit(context.Background(), srv.URL+"/big.bin", "/dl/big.bin")
	require.NoError(t, err)

	require.NoError(t, e.Cancel(context.Background(), h))
	_, err = e.Status(context.Background(), h)
	assert.ErrorIs(t, err, ErrUnknownHandle)
	// Cancel again: still fine.
	require.NoError(t, e.Cancel(context.Background(), h))
}

func TestFreshHandlePerSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	e := New(&Options{Fs: afero.NewMemMapFs()})
	h1, err := e.Submit(context.Background(), srv.URL+"/a", "/dl/a")
	require.NoError(t, err)
	h2, err := e.Submit(context.Background(), srv.URL+"/a", "/dl/a2")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
