// Package relay orchestrates the build/project lifecycle: it accepts
// build requests, drives the dispatch to the external CI system, applies
// the resulting transitions and fans the updates out to subscribers.
package relay

import (
	"context"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/buildrelay/internal/domain"
	"github.com/splax/buildrelay/internal/service/dispatch"
	"github.com/splax/buildrelay/internal/store"
	"github.com/splax/buildrelay/internal/ws"
)

// Broadcaster is the fanout surface the service needs.
type Broadcaster interface {
	BroadcastAll(payload []byte)
	BroadcastRoom(room string, payload []byte)
	DropRoom(room string)
}

// Dispatcher triggers builds on the external CI system.
type Dispatcher interface {
	Trigger(ctx context.Context, in dispatch.Request, credential string) error
}

// Service holds the relay's write-side operations. Reads are served from
// store snapshots; no other component keeps its own copy of a record.
type Service struct {
	store   *store.Store
	hub     Broadcaster
	ci      Dispatcher
	logger  *slog.Logger
	ciToken string
	newID   func() string
	now     func() time.Time
}

// New constructs the relay service. ciToken is the process-wide
// credential fallback used when a request carries none.
func New(st *store.Store, hub Broadcaster, ci Dispatcher, logger *slog.Logger, ciToken string) *Service {
	return &Service{
		store:   st,
		hub:     hub,
		ci:      ci,
		logger:  logger,
		ciToken: ciToken,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// StartBuildInput carries one socket-originated build request.
type StartBuildInput struct {
	ProjectID   string
	Instruction string
	RepoName    string
	Credential  string
}

// StartBuild creates a queued build, triggers the CI dispatch and
// applies the outcome. The returned build reflects the post-dispatch
// state; a dispatch failure is returned alongside the failed build so
// the caller can be notified directly.
func (s *Service) StartBuild(ctx context.Context, in StartBuildInput) (*domain.Build, error) {
	now := s.now().UTC()
	build := &domain.Build{
		ID:          s.newID(),
		ProjectID:   in.ProjectID,
		Instruction: in.Instruction,
		RepoName:    in.RepoName,
		Status:      domain.StatusQueued,
		StartTime:   now,
		LastUpdate:  now,
	}
	build.AppendLog(now, "build queued")
	s.store.PutBuild(build)

	project := s.store.UpsertProject(in.ProjectID, func(p *domain.Project, created bool) {
		if created {
			p.Name = in.ProjectID
			p.RepoName = in.RepoName
			p.CreatedAt = now
		}
		p.Builds = append(p.Builds, build.ID)
		p.Status = projectStatusFor(build.Status)
		p.LastBuild = build.ID
		p.LastBuildStatus = build.Status
		p.LastUpdate = now
	})
	s.logger.Info("build queued", "build_id", build.ID, "project_id", in.ProjectID)
	s.broadcastBuild(build)
	s.broadcastProject(project)

	err := s.ci.Trigger(ctx, dispatch.Request{
		ProjectID:   in.ProjectID,
		BuildID:     build.ID,
		Instruction: in.Instruction,
		RepoName:    in.RepoName,
	}, s.credential(in.Credential))

	// The trigger call is a suspension point: a webhook for this build
	// may have landed while it was in flight. Apply the outcome against
	// the current record, never the snapshot captured above.
	if err != nil {
		failed := s.applyStatus(build.ID, domain.StatusFailed, "dispatch failed: "+err.Error(), func(b *domain.Build) {
			b.Error = err.Error()
		})
		s.failProject(in.ProjectID, failed)
		return failed, err
	}

	dispatched := s.applyStatus(build.ID, domain.StatusDispatched, "dispatched to CI", nil)
	return dispatched, nil
}

// CancelBuild moves a running build to cancelled. Cancel requests
// against queued or dispatched builds are a silent no-op.
func (s *Service) CancelBuild(id string) (*domain.Build, error) {
	cancelled := false
	build, err := s.store.UpdateBuild(id, func(b *domain.Build) {
		if b.Status != domain.StatusRunning {
			return
		}
		now := s.now().UTC()
		b.Status = domain.StatusCancelled
		b.LastUpdate = now
		end := now
		b.EndTime = &end
		b.AppendLog(now, "build cancelled")
		cancelled = true
	})
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return build, nil
	}
	s.logger.Info("build cancelled", "build_id", id, "project_id", build.ProjectID)
	s.syncProject(build)
	s.broadcastBuild(build)
	return build, nil
}

// DeleteProject removes a project and all of its builds, notifies the
// room, then drops the room and announces the removal globally.
func (s *Service) DeleteProject(id string) error {
	removed, err := s.store.DeleteProject(id)
	if err != nil {
		return err
	}
	s.logger.Info("project deleted", "project_id", id, "builds_removed", len(removed))
	if payload, err := ws.Marshal(ws.EventProjectDeleted, ws.ProjectRefPayload{ProjectID: id}); err == nil {
		s.hub.BroadcastRoom(id, payload)
	}
	s.hub.DropRoom(id)
	if payload, err := ws.Marshal(ws.EventProjectRemoved, ws.ProjectRefPayload{ProjectID: id}); err == nil {
		s.hub.BroadcastAll(payload)
	}
	return nil
}

// BuildStatus returns the current state of one build.
func (s *Service) BuildStatus(id string) (*domain.Build, error) {
	return s.store.Build(id)
}

// ProjectStatus is the combined project + latest build lookup.
type ProjectStatus struct {
	Project     *domain.Project `json:"project"`
	LatestBuild *domain.Build   `json:"latestBuild,omitempty"`
}

// Status returns the project together with its most recent build.
func (s *Service) Status(projectID string) (*ProjectStatus, error) {
	project, err := s.store.Project(projectID)
	if err != nil {
		return nil, err
	}
	status := &ProjectStatus{Project: project}
	if latest, ok := project.LatestBuild(); ok {
		if build, err := s.store.Build(latest); err == nil {
			status.LatestBuild = build
		}
	}
	return status, nil
}

// Project returns one project snapshot.
func (s *Service) Project(id string) (*domain.Project, error) {
	return s.store.Project(id)
}

// Projects returns a snapshot of all projects.
func (s *Service) Projects() []domain.Project {
	return s.store.Projects()
}

// Builds returns a snapshot of all builds.
func (s *Service) Builds() []domain.Build {
	return s.store.Builds()
}

// PresenceJoin records a presence entry for a connection and announces
// it to the room, or to everyone when no room is given.
func (s *Service) PresenceJoin(connectionID string, p ws.PresencePayload) {
	entry := &domain.Presence{
		ConnectionID: connectionID,
		UserID:       p.UserID,
		Username:     p.Username,
		Room:         p.Room,
	}
	s.store.SetPresence(entry)
	s.broadcastPresence(ws.EventPresenceJoined, entry)
}

// PresenceLeave removes a connection's presence entry and announces the
// departure.
func (s *Service) PresenceLeave(connectionID string) {
	entry, ok := s.store.RemovePresence(connectionID)
	if !ok {
		return
	}
	s.broadcastPresence(ws.EventPresenceLeft, entry)
}

// Disconnect clears per-connection state. The presence departure is
// announced before the entry is discarded.
func (s *Service) Disconnect(connectionID string) {
	s.PresenceLeave(connectionID)
}

func (s *Service) credential(requestToken string) string {
	if requestToken != "" {
		return requestToken
	}
	return s.ciToken
}

// applyStatus advances a build to next under the store lock, appending
// the given log line. The transition is skipped when the current status
// cannot advance; the log line is recorded either way.
func (s *Service) applyStatus(buildID string, next domain.BuildStatus, logLine string, extra func(*domain.Build)) *domain.Build {
	build, err := s.store.UpdateBuild(buildID, func(b *domain.Build) {
		now := s.now().UTC()
		b.AppendLog(now, logLine)
		b.LastUpdate = now
		if !b.Status.CanAdvance(next) {
			return
		}
		b.Status = next
		if next.Terminal() {
			end := now
			b.EndTime = &end
		}
		if extra != nil {
			extra(b)
		}
	})
	if err != nil {
		// The build vanished mid-flight (project deleted); nothing to
		// broadcast.
		s.logger.Warn("build missing while applying status", "build_id", buildID, "status", next)
		return nil
	}
	s.syncProject(build)
	s.broadcastBuild(build)
	return build
}

func (s *Service) failProject(projectID string, build *domain.Build) {
	project, err := s.store.UpdateProject(projectID, func(p *domain.Project) {
		p.Status = domain.StatusFailed
		if build != nil {
			p.LastBuildStatus = build.Status
		}
		p.LastUpdate = s.now().UTC()
	})
	if err != nil {
		return
	}
	s.broadcastProject(project)
}

// syncProject folds a build state change into its owning project.
func (s *Service) syncProject(build *domain.Build) {
	if build == nil {
		return
	}
	project, err := s.store.UpdateProject(build.ProjectID, func(p *domain.Project) {
		p.Status = projectStatusFor(build.Status)
		p.LastBuild = build.ID
		p.LastBuildStatus = build.Status
		p.LastUpdate = s.now().UTC()
	})
	if err != nil {
		return
	}
	s.broadcastProject(project)
}

func (s *Service) broadcastBuild(build *domain.Build) {
	if build == nil {
		return
	}
	payload, err := ws.Marshal(ws.EventBuildStatus, build)
	if err != nil {
		s.logger.Warn("failed to marshal build payload", "build_id", build.ID, "error", err)
		return
	}
	s.hub.BroadcastRoom(build.ProjectID, payload)
}

func (s *Service) broadcastProject(project *domain.Project) {
	if project == nil {
		return
	}
	payload, err := ws.Marshal(ws.EventProjectUpdate, project)
	if err != nil {
		s.logger.Warn("failed to marshal project payload", "project_id", project.ID, "error", err)
		return
	}
	s.hub.BroadcastRoom(project.ID, payload)
}

func (s *Service) broadcastPresence(event string, entry *domain.Presence) {
	payload, err := ws.Marshal(event, entry)
	if err != nil {
		s.logger.Warn("failed to marshal presence payload", "error", err)
		return
	}
	if entry.Room != "" {
		s.hub.BroadcastRoom(entry.Room, payload)
		return
	}
	s.hub.BroadcastAll(payload)
}

// projectStatusFor maps a build status onto the owning project's status:
// an active build keeps the project building, a terminal build stamps
// its outcome onto the project.
func projectStatusFor(status domain.BuildStatus) domain.BuildStatus {
	if status.Terminal() {
		return status
	}
	return domain.StatusBuilding
}
