// Package httpengine is a plain HTTP(S) implementation of the warpq
// Engine contract. Each submitted transfer streams the response body to
// its target file in a single connection; pausing stops the stream and
// resuming restarts it from the beginning. Anything fancier (byte
// ranges, segmenting, mirrors) belongs to a heavier engine behind the
// same contract.
package httpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"github.com/warpdl/warpq/pkg/logger"
	"github.com/warpdl/warpq/pkg/warpq"
	"golang.org/x/time/rate"
)

const (
	chunkSize       = 32 * 1024
	speedSampleSpan = 500 * time.Millisecond
	defaultUA       = "warpq/1.0"
)

// ErrUnknownHandle is returned by Progress and Status for handles the
// engine does not know.
var ErrUnknownHandle = errors.New("unknown transfer handle")

// Options configures an Engine. The zero value is usable.
type Options struct {
	// Client is the HTTP client for transfers. Default http.DefaultClient.
	Client *http.Client
	// Fs is the filesystem files are written to. Default the OS one.
	Fs afero.Fs
	// SpeedLimit caps the aggregate transfer rate in bytes per second.
	// Zero means unlimited.
	SpeedLimit int64
	// UserAgent overrides the request User-Agent header.
	UserAgent string
	// Logger receives engine diagnostics. Default discards.
	Logger logger.Logger
}

// Engine runs transfers and answers the orchestrator's polls.
type Engine struct {
	client  *http.Client
	fs      afero.Fs
	limiter *rate.Limiter
	ua      string
	log     logger.Logger

	seq       atomic.Uint64
	mu        sync.Mutex
	transfers map[warpq.Handle]*transfer
}

// New creates an Engine.
func New(opts *Options) *Engine {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUA
	}
	if o.Logger == nil {
		o.Logger = logger.NewNopLogger()
	}
	e := &Engine{
		client:    o.Client,
		fs:        o.Fs,
		ua:        o.UserAgent,
		log:       o.Logger,
		transfers: make(map[warpq.Handle]*transfer),
	}
	if o.SpeedLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(o.SpeedLimit), chunkSize)
	}
	return e
}

// transfer is the engine-side state of one submitted download.
type transfer struct {
	url  string
	path string

	mu         sync.Mutex
	status     warpq.Status
	downloaded int64
	total      int64
	speed      int64
	sampleAt   time.Time
	sampleBase int64
	cancel     context.CancelFunc
	pausing    bool
	// gen identifies the current streaming attempt; a superseded
	// goroutine must not touch counters or status.
	gen uint64
}

func (t *transfer) snapshotStatus() warpq.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *transfer) snapshotProgress() warpq.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := warpq.Progress{
		Downloaded: t.downloaded,
		Total:      t.total,
		Speed:      t.speed,
		ETASeconds: warpq.SizeUnknown,
	}
	if t.speed > 0 && t.total >= 0 && t.total >= t.downloaded {
		p.ETASeconds = (t.total - t.downloaded) / t.speed
	}
	return p
}

// addBytes accounts written bytes and refreshes the speed sample. Bytes
// from a superseded streaming attempt are discarded.
func (t *transfer) addBytes(n int, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		return
	}
	t.downloaded += int64(n)
	now := time.Now()
	if t.sampleAt.IsZero() {
		t.sampleAt = now
		t.sampleBase = t.downloaded
		return
	}
	if elapsed := now.Sub(t.sampleAt); elapsed >= speedSampleSpan {
		t.speed = (t.downloaded - t.sampleBase) * int64(time.Second) / int64(elapsed)
		t.sampleAt = now
		t.sampleBase = t.downloaded
	}
}

// Submit validates the URL and starts the transfer goroutine. The handle
// it returns is fresh for every submission.
func (e *Engine) Submit(ctx context.Context, rawURL, path string) (warpq.Handle, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	h := warpq.Handle(fmt.Sprintf("xfer-%d", e.seq.Add(1)))
	t := &transfer{
		url:    rawURL,
		path:   path,
		status: warpq.Downloading(),
		total:  warpq.SizeUnknown,
	}
	e.mu.Lock()
	e.transfers[h] = t
	e.mu.Unlock()

	e.start(t)
	return h, nil
}

// start spawns the streaming goroutine with a fresh cancellation scope.
func (e *Engine) start(t *transfer) {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.cancel = cancel
	t.pausing = false
	t.status = warpq.Downloading()
	t.mu.Unlock()

	go func() {
		err := e.stream(ctx, t, gen)
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.gen != gen {
			return
		}
		switch {
		case err == nil:
			t.status = warpq.Completed()
			if t.total < 0 {
				t.total = t.downloaded
			}
			t.speed = 0
		case t.pausing:
			t.status = warpq.Paused()
			t.speed = 0
		default:
			t.status = warpq.Failed(err.Error())
			t.speed = 0
			e.log.Warning("transfer of %s failed: %v", t.url, err)
		}
	}()
}

// stream performs the actual GET and copies the body to the target file.
func (e *Engine) stream(ctx context.Context, t *transfer, gen uint64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", e.ua)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected response status %s", resp.Status)
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return ctx.Err()
	}
	t.downloaded = 0
	t.sampleAt = time.Time{}
	if resp.ContentLength >= 0 {
		t.total = resp.ContentLength
	}
	t.mu.Unlock()

	if dir := filepath.Dir(t.path); dir != "" && dir != "." {
		if err := e.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create target directory: %w", err)
		}
	}
	f, err := e.fs.Create(t.path)
	if err != nil {
		return fmt.Errorf("create target file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if e.limiter != nil {
				if lerr := e.limiter.WaitN(ctx, n); lerr != nil {
					return lerr
				}
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write target file: %w", werr)
			}
			t.addBytes(n, gen)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read body: %w", rerr)
		}
	}
}

func (e *Engine) lookup(h warpq.Handle) (*transfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[h]
	return t, ok
}

// Pause stops a running transfer's stream. Idempotent; unknown handles
// are a no-op.
func (e *Engine) Pause(ctx context.Context, h warpq.Handle) error {
	t, ok := e.lookup(h)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Code != warpq.StatusDownloading {
		return nil
	}
	t.pausing = true
	if t.cancel != nil {
		t.cancel()
	}
	t.status = warpq.Paused()
	t.speed = 0
	return nil
}

// Resume restarts a paused transfer from the beginning of the file.
// Idempotent; unknown handles are a no-op.
func (e *Engine) Resume(ctx context.Context, h warpq.Handle) error {
	t, ok := e.lookup(h)
	if !ok {
		return nil
	}
	t.mu.Lock()
	paused := t.status.Code == warpq.StatusPaused
	t.mu.Unlock()
	if !paused {
		return nil
	}
	e.start(t)
	return nil
}

// Cancel stops the transfer and forgets the handle.
func (e *Engine) Cancel(ctx context.Context, h warpq.Handle) error {
	e.mu.Lock()
	t, ok := e.transfers[h]
	delete(e.transfers, h)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// Progress returns the transfer's current snapshot.
func (e *Engine) Progress(ctx context.Context, h warpq.Handle) (warpq.Progress, error) {
	t, ok := e.lookup(h)
	if !ok {
		return warpq.Progress{}, ErrUnknownHandle
	}
	return t.snapshotProgress(), nil
}

// Status returns the transfer's state in the task vocabulary.
func (e *Engine) Status(ctx context.Context, h warpq.Handle) (warpq.Status, error) {
	t, ok := e.lookup(h)
	if !ok {
		return warpq.Status{}, ErrUnknownHandle
	}
	return t.snapshotStatus(), nil
}

var _ warpq.Engine = (*Engine)(nil)
