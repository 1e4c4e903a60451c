package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"log/slog"

	"github.com/splax/buildrelay/internal/domain"
	"github.com/splax/buildrelay/internal/service/dispatch"
	"github.com/splax/buildrelay/internal/store"
	"github.com/splax/buildrelay/internal/ws"
)

type sentPayload struct {
	room   string
	global bool
	event  string
	data   json.RawMessage
}

type fakeHub struct {
	mu      sync.Mutex
	sent    []sentPayload
	dropped []string
}

func (f *fakeHub) record(room string, global bool, payload []byte) {
	var env ws.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPayload{room: room, global: global, event: env.Event, data: env.Data})
}

func (f *fakeHub) BroadcastAll(payload []byte) { f.record("", true, payload) }

func (f *fakeHub) BroadcastRoom(room string, payload []byte) { f.record(room, false, payload) }

func (f *fakeHub) DropRoom(room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, room)
}

func (f *fakeHub) byEvent(event string) []sentPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentPayload
	for _, p := range f.sent {
		if p.event == event {
			out = append(out, p)
		}
	}
	return out
}

type fakeCI struct {
	err        error
	got        dispatch.Request
	credential string
	during     func()
}

func (f *fakeCI) Trigger(_ context.Context, in dispatch.Request, credential string) error {
	f.got = in
	f.credential = credential
	if f.during != nil {
		f.during()
	}
	return f.err
}

func newTestService(t *testing.T, ci *fakeCI) (*Service, *store.Store, *fakeHub) {
	t.Helper()
	st := store.New()
	hub := &fakeHub{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(st, hub, ci, logger, "fallback-token")
	return svc, st, hub
}

func TestStartBuildDispatchSuccess(t *testing.T) {
	ci := &fakeCI{}
	svc, st, hub := newTestService(t, ci)

	build, err := svc.StartBuild(context.Background(), StartBuildInput{
		ProjectID:   "proj-1",
		Instruction: "build",
		RepoName:    "r",
	})
	if err != nil {
		t.Fatalf("StartBuild returned error: %v", err)
	}
	if build.Status != domain.StatusDispatched {
		t.Fatalf("status = %s, want dispatched", build.Status)
	}
	if ci.got.ProjectID != "proj-1" || ci.got.BuildID != build.ID {
		t.Fatalf("trigger payload wrong: %+v", ci.got)
	}

	project, err := st.Project("proj-1")
	if err != nil {
		t.Fatalf("project not created: %v", err)
	}
	if len(project.Builds) != 1 || project.Builds[0] != build.ID {
		t.Fatalf("project builds = %v, want [%s]", project.Builds, build.ID)
	}
	if project.Status != domain.StatusBuilding {
		t.Fatalf("project status = %s, want building", project.Status)
	}
	if project.LastBuild != build.ID || project.LastBuildStatus != domain.StatusDispatched {
		t.Fatalf("project last build fields wrong: %+v", project)
	}

	statuses := hub.byEvent(ws.EventBuildStatus)
	if len(statuses) < 2 {
		t.Fatalf("expected queued and dispatched broadcasts, got %d", len(statuses))
	}
	for _, p := range statuses {
		if p.room != "proj-1" {
			t.Fatalf("build_status sent to room %q, want proj-1", p.room)
		}
	}
}

func TestStartBuildDispatchFailure(t *testing.T) {
	ci := &fakeCI{err: dispatch.ErrDispatch}
	svc, st, hub := newTestService(t, ci)

	build, err := svc.StartBuild(context.Background(), StartBuildInput{
		ProjectID:   "proj-1",
		Instruction: "build",
		RepoName:    "r",
	})
	if !errors.Is(err, dispatch.ErrDispatch) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	if build.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", build.Status)
	}
	if build.Error == "" || build.EndTime == nil {
		t.Fatalf("failed build must carry error and end time: %+v", build)
	}
	found := false
	for _, entry := range build.Logs {
		if entry.Message == "dispatch failed: "+dispatch.ErrDispatch.Error() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dispatch failure log line, got %+v", build.Logs)
	}

	project, err := st.Project("proj-1")
	if err != nil {
		t.Fatalf("project lookup failed: %v", err)
	}
	if project.Status != domain.StatusFailed {
		t.Fatalf("project status = %s, want failed", project.Status)
	}
	if len(hub.byEvent(ws.EventProjectUpdate)) == 0 {
		t.Fatal("expected project_update broadcast on failure")
	}
}

func TestStartBuildCredentialFallback(t *testing.T) {
	ci := &fakeCI{}
	svc, _, _ := newTestService(t, ci)

	if _, err := svc.StartBuild(context.Background(), StartBuildInput{ProjectID: "p", Instruction: "i"}); err != nil {
		t.Fatalf("StartBuild returned error: %v", err)
	}
	if ci.credential != "fallback-token" {
		t.Fatalf("credential = %q, want process fallback", ci.credential)
	}

	if _, err := svc.StartBuild(context.Background(), StartBuildInput{ProjectID: "p", Instruction: "i", Credential: "per-request"}); err != nil {
		t.Fatalf("StartBuild returned error: %v", err)
	}
	if ci.credential != "per-request" {
		t.Fatalf("credential = %q, want per-request token", ci.credential)
	}
}

// A webhook can land while the dispatch call is in flight. The outcome
// must be applied against the current record, never the pre-dispatch
// snapshot, and must not regress a status the webhook already advanced.
func TestStartBuildDoesNotRegressWebhookProgress(t *testing.T) {
	ci := &fakeCI{}
	svc, st, _ := newTestService(t, ci)

	ci.during = func() {
		if _, err := st.UpdateBuild(ci.got.BuildID, func(b *domain.Build) {
			b.Status = domain.StatusRunning
			b.Progress = 40
		}); err != nil {
			t.Errorf("mid-flight update failed: %v", err)
		}
	}

	build, err := svc.StartBuild(context.Background(), StartBuildInput{ProjectID: "proj-1", Instruction: "i"})
	if err != nil {
		t.Fatalf("StartBuild returned error: %v", err)
	}
	if build.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want running (webhook advanced it mid-dispatch)", build.Status)
	}
	if build.Progress != 40 {
		t.Fatalf("progress = %d, want 40", build.Progress)
	}
}

func TestCancelBuildRunningOnly(t *testing.T) {
	svc, st, hub := newTestService(t, &fakeCI{})
	st.PutProject(&domain.Project{ID: "proj-1"})

	for _, status := range []domain.BuildStatus{domain.StatusQueued, domain.StatusDispatched} {
		st.PutBuild(&domain.Build{ID: "b-" + string(status), ProjectID: "proj-1", Status: status})
		build, err := svc.CancelBuild("b-" + string(status))
		if err != nil {
			t.Fatalf("CancelBuild(%s) returned error: %v", status, err)
		}
		if build.Status != status {
			t.Fatalf("cancel of %s build must be a no-op, got %s", status, build.Status)
		}
	}

	st.PutBuild(&domain.Build{ID: "b-run", ProjectID: "proj-1", Status: domain.StatusRunning})
	build, err := svc.CancelBuild("b-run")
	if err != nil {
		t.Fatalf("CancelBuild returned error: %v", err)
	}
	if build.Status != domain.StatusCancelled || build.EndTime == nil {
		t.Fatalf("expected cancelled with end time, got %+v", build)
	}
	if len(hub.byEvent(ws.EventBuildStatus)) == 0 {
		t.Fatal("expected build_status broadcast for cancellation")
	}

	if _, err := svc.CancelBuild("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteProjectCascadesAndNotifies(t *testing.T) {
	svc, st, hub := newTestService(t, &fakeCI{})
	st.PutProject(&domain.Project{ID: "proj-1", Builds: []string{"b1"}})
	st.PutBuild(&domain.Build{ID: "b1", ProjectID: "proj-1"})

	if err := svc.DeleteProject("proj-1"); err != nil {
		t.Fatalf("DeleteProject returned error: %v", err)
	}
	if _, err := svc.BuildStatus("b1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cascaded build must be gone, got %v", err)
	}

	deleted := hub.byEvent(ws.EventProjectDeleted)
	if len(deleted) != 1 || deleted[0].room != "proj-1" {
		t.Fatalf("expected project_deleted to the room, got %+v", deleted)
	}
	removed := hub.byEvent(ws.EventProjectRemoved)
	if len(removed) != 1 || !removed[0].global {
		t.Fatalf("expected global project_removed, got %+v", removed)
	}
	if len(hub.dropped) != 1 || hub.dropped[0] != "proj-1" {
		t.Fatalf("expected room drop, got %v", hub.dropped)
	}

	if err := svc.DeleteProject("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusReturnsLatestBuild(t *testing.T) {
	svc, st, _ := newTestService(t, &fakeCI{})
	st.PutProject(&domain.Project{ID: "proj-1", Builds: []string{"b1", "b2"}})
	st.PutBuild(&domain.Build{ID: "b1", ProjectID: "proj-1", Status: domain.StatusSucceeded})
	st.PutBuild(&domain.Build{ID: "b2", ProjectID: "proj-1", Status: domain.StatusRunning})

	status, err := svc.Status("proj-1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.LatestBuild == nil || status.LatestBuild.ID != "b2" {
		t.Fatalf("latest build = %+v, want b2", status.LatestBuild)
	}

	if _, err := svc.Status("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPresenceLifecycleBroadcasts(t *testing.T) {
	svc, st, hub := newTestService(t, &fakeCI{})

	svc.PresenceJoin("conn-1", ws.PresencePayload{UserID: "u1", Username: "ada", Room: "proj-1"})
	joined := hub.byEvent(ws.EventPresenceJoined)
	if len(joined) != 1 || joined[0].room != "proj-1" {
		t.Fatalf("expected presence:joined to the room, got %+v", joined)
	}
	if _, ok := st.Presence("conn-1"); !ok {
		t.Fatal("presence entry not stored")
	}

	svc.Disconnect("conn-1")
	left := hub.byEvent(ws.EventPresenceLeft)
	if len(left) != 1 || left[0].room != "proj-1" {
		t.Fatalf("expected presence:left to the room, got %+v", left)
	}
	if _, ok := st.Presence("conn-1"); ok {
		t.Fatal("presence entry must be discarded on disconnect")
	}

	// No presence entry: disconnect stays silent.
	svc.Disconnect("conn-2")
	if len(hub.byEvent(ws.EventPresenceLeft)) != 1 {
		t.Fatal("disconnect without presence must not broadcast")
	}
}

func TestPresenceWithoutRoomBroadcastsGlobally(t *testing.T) {
	svc, _, hub := newTestService(t, &fakeCI{})

	svc.PresenceJoin("conn-1", ws.PresencePayload{UserID: "u1", Username: "ada"})
	joined := hub.byEvent(ws.EventPresenceJoined)
	if len(joined) != 1 || !joined[0].global {
		t.Fatalf("expected global presence:joined, got %+v", joined)
	}
}
