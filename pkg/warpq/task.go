// Package warpq orchestrates a population of long-running download tasks:
// it multiplexes submissions across a bounded pool of concurrent transfers,
// detects duplicate requests before admission, mirrors task state to a
// durable repository, and reconstructs in-flight work after a restart.
//
// The actual byte transfer is delegated to an Engine implementation; warpq
// itself never opens a network connection.
package warpq

import (
	"time"

	"github.com/google/uuid"
)

// SizeUnknown marks a byte count that has not been learned yet.
const SizeUnknown int64 = -1

// TaskID is the opaque, stable identifier of a download task.
type TaskID string

// NewTaskID returns a fresh random task id.
func NewTaskID() TaskID {
	return TaskID(uuid.NewString())
}

// FileIdentifier is the identity used for duplicate detection: two requests
// are the same logical download iff their canonical-URL fingerprint and
// target path both match.
type FileIdentifier struct {
	Fingerprint string
	TargetPath  string
}

// Task is one download request tracked by the orchestrator. Fields are
// mutated only by the orchestrator under its state lock; callers receive
// copies.
type Task struct {
	// ID is the unique identifier of the task.
	ID TaskID `json:"id"`
	// URL is the download URL exactly as submitted.
	URL string `json:"url"`
	// CanonicalURL is the normalized form of URL.
	CanonicalURL string `json:"canonical_url"`
	// Fingerprint is the lowercase hex SHA-256 of CanonicalURL.
	Fingerprint string `json:"url_fingerprint"`
	// TargetPath is where the downloaded file is saved.
	TargetPath string `json:"target_path"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is bumped on every status mutation.
	UpdatedAt time.Time `json:"updated_at"`
	// FileSize is the declared size in bytes, SizeUnknown until known.
	FileSize int64 `json:"file_size"`
	// Downloaded is the last persisted downloaded-bytes figure.
	Downloaded int64 `json:"downloaded_bytes"`
	// FileHash is the content hash recorded by an external verifier
	// after completion. Empty until then.
	FileHash string `json:"file_hash,omitempty"`
	// LastVerifiedAt is when FileHash was last confirmed. Zero if never.
	LastVerifiedAt time.Time `json:"last_verified_at,omitempty"`
}

func newTask(rawURL, canonical, fingerprint, targetPath string) *Task {
	now := time.Now()
	return &Task{
		ID:           NewTaskID(),
		URL:          rawURL,
		CanonicalURL: canonical,
		Fingerprint:  fingerprint,
		TargetPath:   targetPath,
		Status:       Waiting(),
		CreatedAt:    now,
		UpdatedAt:    now,
		FileSize:     SizeUnknown,
	}
}

// Identity returns the duplicate-detection key of the task.
func (t *Task) Identity() FileIdentifier {
	return FileIdentifier{Fingerprint: t.Fingerprint, TargetPath: t.TargetPath}
}

// setStatus records a new status and bumps UpdatedAt. Transition guarding
// is the orchestrator's job; this only records.
func (t *Task) setStatus(s Status) {
	t.Status = s
	t.UpdatedAt = time.Now()
}

// clone returns a shallow copy safe to hand outside the state lock.
func (t *Task) clone() *Task {
	c := *t
	return &c
}

// Progress is a point-in-time snapshot of a transfer.
type Progress struct {
	// Downloaded is the number of bytes written so far.
	Downloaded int64 `json:"downloaded"`
	// Total is the expected size, SizeUnknown if the engine has not
	// learned it.
	Total int64 `json:"total"`
	// Speed is the instantaneous rate in bytes per second.
	Speed int64 `json:"speed"`
	// ETASeconds estimates seconds to completion, SizeUnknown when the
	// estimate is not available.
	ETASeconds int64 `json:"eta_seconds"`
}

// Percentage returns the completion percentage. ok is false while Total is
// unknown. A zero Total reports 100.
func (p Progress) Percentage() (pct float64, ok bool) {
	if p.Total < 0 {
		return 0, false
	}
	if p.Total == 0 {
		return 100, true
	}
	return float64(p.Downloaded) / float64(p.Total) * 100, true
}
