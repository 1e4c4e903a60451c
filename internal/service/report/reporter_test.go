package report

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/splax/buildrelay/internal/domain"
	"github.com/splax/buildrelay/internal/ws"
)

type captureHub struct {
	mu   sync.Mutex
	sent [][]byte
	ch   chan []byte
}

func newCaptureHub() *captureHub {
	return &captureHub{ch: make(chan []byte, 16)}
}

func (c *captureHub) BroadcastAll(payload []byte) {
	c.mu.Lock()
	c.sent = append(c.sent, payload)
	c.mu.Unlock()
	c.ch <- payload
}

func TestRunEmitsSnapshotsUntilCancelled(t *testing.T) {
	metrics := &domain.Metrics{}
	metrics.ConnectionOpened()
	metrics.MessagesSent(7)

	hub := newCaptureHub()
	r := New(metrics, hub, slog.New(slog.NewTextHandler(io.Discard, nil)), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	var payload []byte
	select {
	case payload = <-hub.ch:
	case <-time.After(time.Second):
		t.Fatal("no metrics broadcast within deadline")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop on cancel")
	}

	var env ws.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	if env.Event != ws.EventMetricsUpdate {
		t.Fatalf("event = %q, want metrics:update", env.Event)
	}
	var snap domain.MetricsSnapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("invalid snapshot payload: %v", err)
	}
	if snap.TotalConnections != 1 || snap.MessagesSent != 7 {
		t.Fatalf("snapshot = %+v, want counters reflected", snap)
	}
}

func TestNewAppliesDefaultInterval(t *testing.T) {
	r := New(&domain.Metrics{}, newCaptureHub(), slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
	if r.interval != defaultInterval {
		t.Fatalf("interval = %v, want default", r.interval)
	}
}
