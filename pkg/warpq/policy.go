package warpq

// Policy decides what happens when a submission matches an existing task.
type Policy int

const (
	// ReuseExisting reuses the existing task regardless of its status,
	// resuming it when it is paused or failed. This is the default.
	ReuseExisting Policy = iota
	// AllowDuplicate always admits a new task.
	AllowDuplicate
	// PromptUser surfaces the candidates and a suggested action instead
	// of deciding.
	PromptUser
	// ReuseIfComplete reuses only a completed task; otherwise admits new.
	ReuseIfComplete
	// ReuseIfIncomplete reuses only an unfinished task (for resume);
	// a completed match admits new.
	ReuseIfIncomplete
	// FailIfDuplicate rejects the submission whenever a match exists.
	FailIfDuplicate
)

func (p Policy) String() string {
	switch p {
	case ReuseExisting:
		return "ReuseExisting"
	case AllowDuplicate:
		return "AllowDuplicate"
	case PromptUser:
		return "PromptUser"
	case ReuseIfComplete:
		return "ReuseIfComplete"
	case ReuseIfIncomplete:
		return "ReuseIfIncomplete"
	case FailIfDuplicate:
		return "FailIfDuplicate"
	default:
		return "Unknown"
	}
}

// AllowsReuse reports whether a match in the given status is reused under
// this policy.
func (p Policy) AllowsReuse(s Status) bool {
	switch p {
	case ReuseExisting:
		return true
	case ReuseIfComplete:
		return s.Code == StatusCompleted
	case ReuseIfIncomplete:
		return !s.IsTerminal() || s.Code == StatusFailed
	default:
		return false
	}
}

// FailsOnDuplicate reports whether a match makes the submission fail.
func (p Policy) FailsOnDuplicate() bool { return p == FailIfDuplicate }

// RequiresDecision reports whether a match must be surfaced to the user.
func (p Policy) RequiresDecision() bool { return p == PromptUser }
