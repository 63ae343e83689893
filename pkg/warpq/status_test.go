package warpq

import "testing"

func TestStatusPredicates(t *testing.T) {
	if !Downloading().IsActive() {
		t.Error("Downloading should be active")
	}
	for _, s := range []Status{Waiting(), Paused(), Completed(), Failed("x")} {
		if s.IsActive() {
			t.Errorf("%s should not be active", s)
		}
	}

	for _, s := range []Status{Completed(), Failed("x")} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{Waiting(), Downloading(), Paused()} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}

	for _, s := range []Status{Waiting(), Downloading()} {
		if !s.CanPause() {
			t.Errorf("%s should be pausable", s)
		}
	}
	for _, s := range []Status{Paused(), Completed(), Failed("x")} {
		if s.CanPause() {
			t.Errorf("%s should not be pausable", s)
		}
	}

	for _, s := range []Status{Paused(), Failed("x")} {
		if !s.CanResume() {
			t.Errorf("%s should be resumable", s)
		}
	}
	for _, s := range []Status{Waiting(), Downloading(), Completed()} {
		if s.CanResume() {
			t.Errorf("%s should not be resumable", s)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to StatusCode }{
		{StatusWaiting, StatusDownloading},
		{StatusWaiting, StatusPaused},
		{StatusDownloading, StatusPaused},
		{StatusDownloading, StatusCompleted},
		{StatusDownloading, StatusFailed},
		{StatusDownloading, StatusWaiting},
		{StatusPaused, StatusDownloading},
		{StatusPaused, StatusWaiting},
		{StatusFailed, StatusWaiting},
		{StatusFailed, StatusDownloading},
	}
	for _, tc := range allowed {
		if !transitionAllowed(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to StatusCode }{
		{StatusWaiting, StatusCompleted},
		{StatusWaiting, StatusFailed},
		{StatusPaused, StatusCompleted},
		{StatusPaused, StatusFailed},
		{StatusCompleted, StatusDownloading},
		{StatusCompleted, StatusWaiting},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusCompleted},
		{StatusFailed, StatusPaused},
	}
	for _, tc := range denied {
		if transitionAllowed(tc.from, tc.to) {
			t.Errorf("%s -> %s should be denied", tc.from, tc.to)
		}
	}
}

func TestStatusTextRoundTrip(t *testing.T) {
	for _, s := range []Status{
		Waiting(), Downloading(), Paused(), Completed(),
		Failed("connection lost"), Failed(""),
	} {
		if got := ParseStatus(s.String()); got != s {
			t.Errorf("round trip of %q: got %+v, want %+v", s.String(), got, s)
		}
	}
	if got := Failed("connection lost").String(); got != "Failed: connection lost" {
		t.Errorf("got %q", got)
	}
}

func TestParseStatusUnknownTextBecomesFailure(t *testing.T) {
	got := ParseStatus("Garbled")
	if got.Code != StatusFailed || got.Reason != "Garbled" {
		t.Errorf("got %+v", got)
	}
}
