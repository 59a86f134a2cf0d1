package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestHealthLogger(t *testing.T) *HealthLogger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "health.log")
	h, err := NewHealthLogger(nil, path)
	if err != nil {
		t.Fatalf("new health logger: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHealthLoggerSnapshotWithNilNode(t *testing.T) {
	h := newTestHealthLogger(t)
	m := h.Snapshot()
	if m.PeerCount != 0 || m.ConnectedCount != 0 || m.BannedCount != 0 {
		t.Fatalf("expected zeroed peer counts with a nil node, got %+v", m)
	}
	if m.Timestamp == 0 {
		t.Fatalf("expected a non-zero timestamp")
	}
}

func TestHealthLoggerRecordDoesNotPanic(t *testing.T) {
	h := newTestHealthLogger(t)
	h.Record()
}

func TestHealthLoggerNoteCounters(t *testing.T) {
	h := newTestHealthLogger(t)
	h.NoteRateLimited()
	h.NoteRateLimited()
	h.NoteHandshakeFailure()

	if got := testutil.ToFloat64(h.rateLimitedTotal); got != 2 {
		t.Fatalf("expected rate limited counter 2, got %v", got)
	}
	if got := testutil.ToFloat64(h.handshakeFailTotal); got != 1 {
		t.Fatalf("expected handshake failure counter 1, got %v", got)
	}
}

func TestHealthLoggerRunStopsOnContextCancel(t *testing.T) {
	h := newTestHealthLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return after context cancellation")
	}
}
