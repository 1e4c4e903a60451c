package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/splax/buildrelay/internal/domain"
	"github.com/splax/buildrelay/internal/service/relay"
	"github.com/splax/buildrelay/internal/store"
	"github.com/splax/buildrelay/internal/ws"
)

// handleSocket authenticates, upgrades and then runs the session read
// loop until the peer goes away.
func (r *Router) handleSocket(w http.ResponseWriter, req *http.Request) {
	if !r.verifySocketToken(req) {
		r.logger.Warn("socket auth rejected", "ip", clientIP(req))
		writeError(w, http.StatusUnauthorized, "invalid socket token")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := ws.NewClient(uuid.NewString(), conn, r.logger)
	r.hub.Register(client)
	r.logger.Info("socket connected", "connection_id", client.ID(), "ip", clientIP(req))

	session := &socketSession{
		router: r,
		client: client,
		conn:   conn,
	}
	session.readLoop(req.Context())
}

// verifySocketToken checks the ?token= query parameter or a bearer
// Authorization header against the shared secret. With no secret
// configured every connection is accepted.
func (r *Router) verifySocketToken(req *http.Request) bool {
	if r.secret == "" {
		return true
	}
	token := strings.TrimSpace(req.URL.Query().Get("token"))
	if token == "" {
		auth := strings.TrimSpace(req.Header.Get("Authorization"))
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			token = strings.TrimSpace(rest)
		}
	}
	if len(token) != len(r.secret) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.secret)) == 1
}

type socketSession struct {
	router *Router
	client *ws.Client
	conn   *websocket.Conn
}

func (s *socketSession) readLoop(ctx context.Context) {
	r := s.router
	defer func() {
		r.hub.Unregister(s.client)
		r.relay.Disconnect(s.client.ID())
		s.client.Close()
		r.logger.Info("socket disconnected", "connection_id", s.client.ID())
	}()

	metrics := r.store.Metrics()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Warn("socket read failed", "connection_id", s.client.ID(), "error", err)
			}
			return
		}
		metrics.MessageReceived()

		var frame ws.Envelope
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.replyError(ws.EventProjectError, ws.ErrorPayload{Error: "invalid message frame"})
			continue
		}
		s.dispatch(ctx, frame)
	}
}

func (s *socketSession) dispatch(ctx context.Context, frame ws.Envelope) {
	switch frame.Event {
	case ws.EventJoinProject:
		s.handleJoinProject(frame.Data)
	case ws.EventLeaveProject:
		s.handleLeaveProject(frame.Data)
	case ws.EventStartBuild:
		s.handleStartBuild(ctx, frame.Data)
	case ws.EventGetBuildStatus:
		s.handleGetBuildStatus(frame.Data)
	case ws.EventGetProjectStatus:
		s.handleGetProjectStatus(frame.Data)
	case ws.EventCancelBuild:
		s.handleCancelBuild(frame.Data)
	case ws.EventDeleteProject:
		s.handleDeleteProject(frame.Data)
	case ws.EventPresenceJoin:
		s.handlePresenceJoin(frame.Data)
	case ws.EventPresenceLeave:
		s.router.relay.PresenceLeave(s.client.ID())
	case ws.EventTypingStart, ws.EventTypingStop:
		s.handleTyping(frame.Event, frame.Data)
	default:
		s.router.logger.Warn("unknown socket event", "connection_id", s.client.ID(), "event", frame.Event)
	}
}

func (s *socketSession) handleJoinProject(data json.RawMessage) {
	var payload ws.ProjectRefPayload
	if err := decodePayload(data, &payload); err != nil {
		s.replyError(ws.EventProjectError, ws.ErrorPayload{Error: err.Error()})
		return
	}
	s.router.hub.Join(payload.ProjectID, s.client)
	if project, err := s.router.relay.Project(payload.ProjectID); err == nil {
		s.reply(ws.EventProjectLoaded, project)
	}
}

func (s *socketSession) handleLeaveProject(data json.RawMessage) {
	var payload ws.ProjectRefPayload
	if err := decodePayload(data, &payload); err != nil {
		s.replyError(ws.EventProjectError, ws.ErrorPayload{Error: err.Error()})
		return
	}
	s.router.hub.Leave(payload.ProjectID, s.client)
}

func (s *socketSession) handleStartBuild(ctx context.Context, data json.RawMessage) {
	var payload ws.StartBuildPayload
	if err := decodePayload(data, &payload); err != nil {
		s.replyError(ws.EventProjectError, ws.ErrorPayload{ProjectID: payload.ProjectID, Error: err.Error()})
		return
	}
	build, err := s.router.relay.StartBuild(ctx, relay.StartBuildInput{
		ProjectID:   payload.ProjectID,
		Instruction: payload.Instruction,
		RepoName:    payload.RepoName,
		Credential:  payload.GithubToken,
	})
	if err != nil {
		reply := ws.ErrorPayload{ProjectID: payload.ProjectID, Error: err.Error()}
		if build != nil {
			reply.BuildID = build.ID
		}
		s.replyError(ws.EventBuildError, reply)
		return
	}
	s.reply(ws.EventBuildStatus, build)
}

func (s *socketSession) handleGetBuildStatus(data json.RawMessage) {
	var payload ws.BuildRefPayload
	if err := decodePayload(data, &payload); err != nil {
		s.replyError(ws.EventBuildError, ws.ErrorPayload{Error: err.Error()})
		return
	}
	build, err := s.router.relay.BuildStatus(payload.BuildID)
	if err != nil {
		s.replyError(ws.EventBuildError, ws.ErrorPayload{BuildID: payload.BuildID, Error: "build not found"})
		return
	}
	s.reply(ws.EventBuildStatus, build)
}

func (s *socketSession) handleGetProjectStatus(data json.RawMessage) {
	var payload ws.ProjectRefPayload
	if err := decodePayload(data, &payload); err != nil {
		s.replyError(ws.EventProjectError, ws.ErrorPayload{Error: err.Error()})
		return
	}
	status, err := s.router.relay.Status(payload.ProjectID)
	if err != nil {
		s.replyError(ws.EventProjectError, ws.ErrorPayload{ProjectID: payload.ProjectID, Error: "project not found"})
		return
	}
	s.reply(ws.EventProjectStatus, status)
}

func (s *socketSession) handleCancelBuild(data json.RawMessage) {
	var payload ws.BuildRefPayload
	if err := decodePayload(data, &payload); err != nil {
		s.replyError(ws.EventBuildError, ws.ErrorPayload{Error: err.Error()})
		return
	}
	build, err := s.router.relay.CancelBuild(payload.BuildID)
	if err != nil {
		s.replyError(ws.EventBuildError, ws.ErrorPayload{BuildID: payload.BuildID, Error: "build not found"})
		return
	}
	// No acknowledgement when the cancel was a no-op against a build
	// that was not running.
	if build.Status == domain.StatusCancelled {
		s.reply(ws.EventBuildStatus, build)
	}
}

func (s *socketSession) handleDeleteProject(data json.RawMessage) {
	var payload ws.ProjectRefPayload
	if err := decodePayload(data, &payload); err != nil {
		s.replyError(ws.EventProjectError, ws.ErrorPayload{Error: err.Error()})
		return
	}
	if err := s.router.relay.DeleteProject(payload.ProjectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.replyError(ws.EventProjectError, ws.ErrorPayload{ProjectID: payload.ProjectID, Error: "project not found"})
			return
		}
		s.replyError(ws.EventProjectError, ws.ErrorPayload{ProjectID: payload.ProjectID, Error: err.Error()})
	}
}

func (s *socketSession) handlePresenceJoin(data json.RawMessage) {
	var payload ws.PresencePayload
	if err := decodePayload(data, &payload); err != nil {
		s.replyError(ws.EventProjectError, ws.ErrorPayload{Error: err.Error()})
		return
	}
	s.router.relay.PresenceJoin(s.client.ID(), payload)
}

// handleTyping relays a typing indicator to the channel room, skipping
// the sender. The frame is re-encoded rather than echoed so malformed
// extra fields do not travel.
func (s *socketSession) handleTyping(event string, data json.RawMessage) {
	var payload ws.TypingPayload
	if err := decodePayload(data, &payload); err != nil {
		return
	}
	frame, err := ws.Marshal(event, payload)
	if err != nil {
		return
	}
	s.router.hub.BroadcastRoomExcept(payload.ChannelID, s.client.ID(), frame, true)
}

// reply sends a payload directly to this session's connection, outside
// of room fanout.
func (s *socketSession) reply(event string, payload any) {
	frame, err := ws.Marshal(event, payload)
	if err != nil {
		s.router.logger.Warn("failed to marshal socket reply", "event", event, "error", err)
		return
	}
	if s.client.Deliver(frame, false) {
		s.router.store.Metrics().MessagesSent(1)
	}
}

func (s *socketSession) replyError(event string, payload ws.ErrorPayload) {
	s.reply(event, payload)
}

// validatable is implemented by every inbound socket payload.
type validatable interface {
	Validate() error
}

func decodePayload(data json.RawMessage, dst validatable) error {
	if len(data) > 0 {
		if err := json.Unmarshal(data, dst); err != nil {
			return ws.ErrValidation
		}
	}
	return dst.Validate()
}
