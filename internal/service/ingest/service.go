// Package ingest folds asynchronous CI webhook updates into the state
// store and fans the results out. The endpoint is built for at-least-once
// delivery from the CI side: every field overwrite is idempotent, only
// log lines duplicate on redelivery.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/splax/buildrelay/internal/domain"
	"github.com/splax/buildrelay/internal/store"
	"github.com/splax/buildrelay/internal/ws"
)

// ErrValidation marks a webhook payload rejected at the boundary.
var ErrValidation = errors.New("ingest: invalid payload")

// Broadcaster is the fanout surface the service needs.
type Broadcaster interface {
	BroadcastAll(payload []byte)
	BroadcastRoom(room string, payload []byte)
}

// Update is one webhook delivery from the CI system. Progress is a
// pointer so an absent value is distinguishable from zero.
type Update struct {
	BuildID   string `json:"buildId"`
	ProjectID string `json:"projectId,omitempty"`
	Status    string `json:"status,omitempty"`
	Log       string `json:"log,omitempty"`
	URL       string `json:"url,omitempty"`
	Progress  *int   `json:"progress,omitempty"`
}

// Service applies webhook updates.
type Service struct {
	store  *store.Store
	hub    Broadcaster
	logger *slog.Logger
	now    func() time.Time
}

// New constructs the ingest service.
func New(st *store.Store, hub Broadcaster, logger *slog.Logger) *Service {
	return &Service{store: st, hub: hub, logger: logger, now: time.Now}
}

// Apply folds one webhook update into the store and broadcasts the
// result: build_status to every connection and project_update to the
// project's room. A build unknown to the relay is synthesized from the
// payload rather than rejected, since webhook delivery may race ahead of
// the local build record.
func (s *Service) Apply(update Update) (*domain.Build, error) {
	if strings.TrimSpace(update.BuildID) == "" {
		return nil, fmt.Errorf("%w: buildId is required", ErrValidation)
	}

	now := s.now().UTC()
	build := s.store.UpsertBuild(update.BuildID, func(b *domain.Build, created bool) {
		if created {
			b.ProjectID = update.ProjectID
			b.Status = domain.StatusUnknown
			b.StartTime = now
		}
		if update.Status != "" {
			next := domain.BuildStatus(update.Status)
			if b.Status.CanAdvance(next) {
				b.Status = next
				if next.Terminal() {
					end := now
					b.EndTime = &end
				}
			}
		}
		if update.Progress != nil {
			b.Progress = *update.Progress
		}
		if update.URL != "" {
			b.URL = update.URL
		}
		if update.Log != "" {
			b.AppendLog(now, update.Log)
		}
		b.LastUpdate = now
	})
	s.logger.Info("webhook applied", "build_id", build.ID, "project_id", build.ProjectID, "status", build.Status)

	var project *domain.Project
	if update.ProjectID != "" {
		updated, err := s.store.UpdateProject(update.ProjectID, func(p *domain.Project) {
			p.Status = projectStatusFor(build.Status)
			p.LastBuild = build.ID
			p.LastBuildStatus = build.Status
			p.LastUpdate = now
		})
		if err == nil {
			project = updated
		}
	}

	if payload, err := ws.Marshal(ws.EventBuildStatus, build); err == nil {
		s.hub.BroadcastAll(payload)
	} else {
		s.logger.Warn("failed to marshal build payload", "build_id", build.ID, "error", err)
	}
	if project != nil {
		if payload, err := ws.Marshal(ws.EventProjectUpdate, project); err == nil {
			s.hub.BroadcastRoom(project.ID, payload)
		}
	}
	return build, nil
}

func projectStatusFor(status domain.BuildStatus) domain.BuildStatus {
	if status.Terminal() {
		return status
	}
	return domain.StatusBuilding
}
