// Package report periodically pushes counter snapshots to every
// connection. Purely observational; it never causes a state transition.
package report

import (
	"context"
	"time"

	"log/slog"

	"github.com/splax/buildrelay/internal/domain"
	"github.com/splax/buildrelay/internal/ws"
)

const defaultInterval = 5 * time.Second

// Broadcaster is the fanout surface the reporter needs.
type Broadcaster interface {
	BroadcastAll(payload []byte)
}

// Reporter emits metrics:update snapshots on a fixed interval.
type Reporter struct {
	metrics  *domain.Metrics
	hub      Broadcaster
	interval time.Duration
	logger   *slog.Logger
}

// New constructs a reporter with a sane default interval.
func New(metrics *domain.Metrics, hub Broadcaster, logger *slog.Logger, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger != nil {
		logger = logger.With("component", "metrics_reporter")
	}
	return &Reporter{metrics: metrics, hub: hub, interval: interval, logger: logger}
}

// Run starts the broadcast loop. It blocks until the context is
// cancelled.
func (r *Reporter) Run(ctx context.Context) {
	r.logger.Info("metrics reporter started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("metrics reporter stopped")
			return
		case <-ticker.C:
			r.emit()
		}
	}
}

func (r *Reporter) emit() {
	payload, err := ws.Marshal(ws.EventMetricsUpdate, r.metrics.Snapshot())
	if err != nil {
		r.logger.Warn("failed to marshal metrics snapshot", "error", err)
		return
	}
	r.hub.BroadcastAll(payload)
}
