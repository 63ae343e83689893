package warpq

import "strings"

// StatusCode enumerates the lifecycle states a download task can be in.
type StatusCode int

const (
	// StatusWaiting means the task is admitted but not yet handed to the engine.
	StatusWaiting StatusCode = iota
	// StatusDownloading means the task is in the active set and transferring.
	StatusDownloading
	// StatusPaused means the task was suspended by the user.
	StatusPaused
	// StatusCompleted means the transfer finished successfully.
	StatusCompleted
	// StatusFailed means the transfer failed; the status carries a reason.
	StatusFailed
)

// String returns the textual form used in logs and in the store.
func (c StatusCode) String() string {
	switch c {
	case StatusWaiting:
		return "Waiting"
	case StatusDownloading:
		return "Downloading"
	case StatusPaused:
		return "Paused"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Status pairs a status code with the failure reason, which is set only
// when Code is StatusFailed.
type Status struct {
	Code   StatusCode
	Reason string
}

// Waiting returns the initial task status.
func Waiting() Status { return Status{Code: StatusWaiting} }

// Downloading returns the active transfer status.
func Downloading() Status { return Status{Code: StatusDownloading} }

// Paused returns the user-suspended status.
func Paused() Status { return Status{Code: StatusPaused} }

// Completed returns the successful terminal status.
func Completed() Status { return Status{Code: StatusCompleted} }

// Failed returns the failed terminal status carrying the given reason.
func Failed(reason string) Status {
	return Status{Code: StatusFailed, Reason: reason}
}

// String renders the status textually. Failed statuses embed the reason
// after a colon, e.g. "Failed: connection reset".
func (s Status) String() string {
	if s.Code == StatusFailed && s.Reason != "" {
		return "Failed: " + s.Reason
	}
	return s.Code.String()
}

// ParseStatus is the inverse of Status.String. Unrecognized text parses
// as a failed status with the text preserved as the reason.
func ParseStatus(text string) Status {
	switch text {
	case "Waiting":
		return Waiting()
	case "Downloading":
		return Downloading()
	case "Paused":
		return Paused()
	case "Completed":
		return Completed()
	case "Failed":
		return Failed("")
	}
	if reason, ok := strings.CutPrefix(text, "Failed: "); ok {
		return Failed(reason)
	}
	return Failed(text)
}

// IsActive reports whether the task occupies a slot in the active set.
func (s Status) IsActive() bool { return s.Code == StatusDownloading }

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	return s.Code == StatusCompleted || s.Code == StatusFailed
}

// CanPause reports whether a pause command is accepted in this status.
func (s Status) CanPause() bool {
	return s.Code == StatusWaiting || s.Code == StatusDownloading
}

// CanResume reports whether a resume command is accepted in this status.
func (s Status) CanResume() bool {
	return s.Code == StatusPaused || s.Code == StatusFailed
}

// transitionAllowed is the static transition table. Cancellation is a
// removal, not a status, so it does not appear here. Waiting→Paused is
// permitted because pause accepts tasks that have not started yet.
func transitionAllowed(from, to StatusCode) bool {
	switch from {
	case StatusWaiting:
		return to == StatusDownloading || to == StatusPaused
	case StatusDownloading:
		return to == StatusPaused || to == StatusCompleted ||
			to == StatusFailed || to == StatusWaiting
	case StatusPaused:
		return to == StatusDownloading || to == StatusWaiting
	case StatusFailed:
		return to == StatusWaiting || to == StatusDownloading
	case StatusCompleted:
		return false
	default:
		return false
	}
}
