package warpq

type (
	// StatusChangedFunc receives every status mutation. A freshly created
	// task reports its initial status with old == new.
	StatusChangedFunc func(id TaskID, oldStatus, newStatus Status)
	// ProgressUpdatedFunc receives periodic progress snapshots.
	ProgressUpdatedFunc func(id TaskID, p Progress)
	// CompletedFunc fires once when a task reaches Completed.
	CompletedFunc func(id TaskID)
	// FailedFunc fires once when a task reaches Failed.
	FailedFunc func(id TaskID, reason string)
)

// EventHandler bundles the callbacks a subscriber is interested in. Nil
// fields are skipped. Delivery is sequential, in registration order, and
// completes before the mutating operation returns, so handlers must not
// block, and must not call back into the orchestrator synchronously for
// mutations (reads are fine).
type EventHandler struct {
	StatusChanged   StatusChangedFunc
	ProgressUpdated ProgressUpdatedFunc
	Completed       CompletedFunc
	Failed          FailedFunc
}

// event is a queued notification, captured under the state lock and
// delivered after it is released.
type event struct {
	id         TaskID
	kind       eventKind
	oldStatus  Status
	newStatus  Status
	progress   Progress
	failReason string
}

type eventKind int

const (
	eventStatusChanged eventKind = iota
	eventProgressUpdated
	eventCompleted
	eventFailed
)

// deliver fans an event out to every handler, in registration order.
func (e event) deliver(handlers []EventHandler) {
	for _, h := range handlers {
		switch e.kind {
		case eventStatusChanged:
			if h.StatusChanged != nil {
				h.StatusChanged(e.id, e.oldStatus, e.newStatus)
			}
		case eventProgressUpdated:
			if h.ProgressUpdated != nil {
				h.ProgressUpdated(e.id, e.progress)
			}
		case eventCompleted:
			if h.Completed != nil {
				h.Completed(e.id)
			}
		case eventFailed:
			if h.Failed != nil {
				h.Failed(e.id, e.failReason)
			}
		}
	}
}

func statusEvent(id TaskID, oldStatus, newStatus Status) event {
	return event{id: id, kind: eventStatusChanged, oldStatus: oldStatus, newStatus: newStatus}
}

func progressEvent(id TaskID, p Progress) event {
	return event{id: id, kind: eventProgressUpdated, progress: p}
}

func completedEvent(id TaskID) event {
	return event{id: id, kind: eventCompleted}
}

func failedEvent(id TaskID, reason string) event {
	return event{id: id, kind: eventFailed, failReason: reason}
}
