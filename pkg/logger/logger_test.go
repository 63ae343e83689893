package logger

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestStandardLoggerPrefixes(t *testing.T) {
	var buf bytes.Buffer
	l := NewStandardLogger(log.New(&buf, "", 0))

	l.Info("hello %s", "world")
	l.Warning("watch out")
	l.Error("broke: %d", 7)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("line count = %d", len(lines))
	}
	if lines[0] != "[INFO] hello world" {
		t.Errorf("info line = %q", lines[0])
	}
	if lines[1] != "[WARNING] watch out" {
		t.Errorf("warning line = %q", lines[1])
	}
	if lines[2] != "[ERROR] broke: 7" {
		t.Errorf("error line = %q", lines[2])
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	l := NewNopLogger()
	l.Info("a")
	l.Warning("b")
	l.Error("c")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMockLoggerRecords(t *testing.T) {
	m := NewMockLogger()
	m.Info("i %d", 1)
	m.Warning("w")
	m.Error("e")
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if len(m.InfoCalls) != 1 || m.InfoCalls[0] != "i 1" {
		t.Errorf("info calls = %v", m.InfoCalls)
	}
	if len(m.WarningCalls) != 1 || len(m.ErrorCalls) != 1 {
		t.Error("warning/error calls not recorded")
	}
	if !m.CloseCalled {
		t.Error("close not recorded")
	}
}
