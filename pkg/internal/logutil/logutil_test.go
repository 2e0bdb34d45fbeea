package logutil

import (
    "testing"

    "go.uber.org/zap"
    "go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsBadLevel(t *testing.T) {
    if _, err := New("loud"); err == nil {
        t.Fatalf("expected error for invalid level")
    }
    l, err := New("debug")
    if err != nil { t.Fatalf("new: %v", err) }
    _ = l.Sync()
}

func TestHelpersFormat(t *testing.T) {
    core, logs := observer.New(zap.InfoLevel)
    l := zap.New(core)
    Infof(l, "joined %s", "rabbit@a")
    Warnf(l, "retry %d", 2)
    Errorf(l, "failed: %v", "boom")

    entries := logs.All()
    if len(entries) != 3 { t.Fatalf("entries = %d, want 3", len(entries)) }
    if entries[0].Message != "joined rabbit@a" || entries[1].Message != "retry 2" || entries[2].Message != "failed: boom" {
        t.Fatalf("unexpected messages: %#v", entries)
    }
}

func TestNilLoggerIsSafe(t *testing.T) {
    Infof(nil, "nothing %d", 1)
}
