package warpq

import "testing"

func TestEventDeliveryInRegistrationOrder(t *testing.T) {
	var order []int
	handlers := []EventHandler{
		{StatusChanged: func(TaskID, Status, Status) { order = append(order, 1) }},
		{StatusChanged: func(TaskID, Status, Status) { order = append(order, 2) }},
		{StatusChanged: func(TaskID, Status, Status) { order = append(order, 3) }},
	}
	statusEvent("t", Waiting(), Downloading()).deliver(handlers)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("delivery order = %v", order)
	}
}

func TestEventSkipsNilHandlers(t *testing.T) {
	var progressSeen bool
	handlers := []EventHandler{
		{}, // subscriber with no interest at all
		{ProgressUpdated: func(id TaskID, p Progress) { progressSeen = true }},
	}
	progressEvent("t", Progress{Downloaded: 1}).deliver(handlers)
	statusEvent("t", Waiting(), Downloading()).deliver(handlers)
	completedEvent("t").deliver(handlers)
	failedEvent("t", "boom").deliver(handlers)
	if !progressSeen {
		t.Error("progress handler not invoked")
	}
}

func TestEventKindsCarryPayloads(t *testing.T) {
	var gotOld, gotNew Status
	var gotReason string
	var gotProgress Progress
	h := []EventHandler{{
		StatusChanged:   func(id TaskID, old, status Status) { gotOld, gotNew = old, status },
		ProgressUpdated: func(id TaskID, p Progress) { gotProgress = p },
		Failed:          func(id TaskID, reason string) { gotReason = reason },
	}}

	statusEvent("t", Downloading(), Paused()).deliver(h)
	if gotOld != Downloading() || gotNew != Paused() {
		t.Errorf("status payload = %s -> %s", gotOld, gotNew)
	}
	progressEvent("t", Progress{Downloaded: 42, Total: 100}).deliver(h)
	if gotProgress.Downloaded != 42 || gotProgress.Total != 100 {
		t.Errorf("progress payload = %+v", gotProgress)
	}
	failedEvent("t", "io timeout").deliver(h)
	if gotReason != "io timeout" {
		t.Errorf("failure payload = %q", gotReason)
	}
}
