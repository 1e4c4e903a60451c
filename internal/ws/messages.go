package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrValidation marks a socket payload rejected at the boundary.
var ErrValidation = errors.New("ws: invalid payload")

// Socket event names, client to server.
const (
	EventJoinProject      = "join_project"
	EventLeaveProject     = "leave_project"
	EventStartBuild       = "start_build"
	EventGetBuildStatus   = "get_build_status"
	EventGetProjectStatus = "get_project_status"
	EventCancelBuild      = "cancel_build"
	EventDeleteProject    = "delete_project"
	EventPresenceJoin     = "presence:join"
	EventPresenceLeave    = "presence:leave"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
)

// Socket event names, server to client.
const (
	EventBuildStatus    = "build_status"
	EventProjectUpdate  = "project_update"
	EventProjectLoaded  = "project_loaded"
	EventProjectStatus  = "project_status"
	EventBuildError     = "build_error"
	EventProjectError   = "project_error"
	EventProjectDeleted = "project_deleted"
	EventProjectRemoved = "project_removed"
	EventPresenceJoined = "presence:joined"
	EventPresenceLeft   = "presence:left"
	EventMetricsUpdate  = "metrics:update"
)

// Envelope is the wire frame for every socket message in both
// directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Marshal encodes an event with its payload into a wire frame.
func Marshal(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// StartBuildPayload is the start_build request body.
type StartBuildPayload struct {
	ProjectID   string `json:"projectId"`
	Instruction string `json:"instruction"`
	RepoName    string `json:"repoName"`
	GithubToken string `json:"githubToken,omitempty"`
}

// Validate rejects requests missing required fields.
func (p StartBuildPayload) Validate() error {
	if strings.TrimSpace(p.ProjectID) == "" {
		return fmt.Errorf("%w: projectId is required", ErrValidation)
	}
	if strings.TrimSpace(p.Instruction) == "" {
		return fmt.Errorf("%w: instruction is required", ErrValidation)
	}
	return nil
}

// BuildRefPayload references one build by id.
type BuildRefPayload struct {
	BuildID string `json:"buildId"`
}

// Validate rejects references without a build id.
func (p BuildRefPayload) Validate() error {
	if strings.TrimSpace(p.BuildID) == "" {
		return fmt.Errorf("%w: buildId is required", ErrValidation)
	}
	return nil
}

// ProjectRefPayload references one project by id.
type ProjectRefPayload struct {
	ProjectID string `json:"projectId"`
}

// Validate rejects references without a project id.
func (p ProjectRefPayload) Validate() error {
	if strings.TrimSpace(p.ProjectID) == "" {
		return fmt.Errorf("%w: projectId is required", ErrValidation)
	}
	return nil
}

// PresencePayload is the presence:join / presence:leave body.
type PresencePayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Room     string `json:"room,omitempty"`
}

// Validate rejects presence updates without a user id.
func (p PresencePayload) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}
	return nil
}

// TypingPayload is the typing:start / typing:stop body. Typing events
// are low priority and may be dropped under backpressure.
type TypingPayload struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
}

// Validate rejects typing events without a channel.
func (p TypingPayload) Validate() error {
	if strings.TrimSpace(p.ChannelID) == "" {
		return fmt.Errorf("%w: channelId is required", ErrValidation)
	}
	return nil
}

// ErrorPayload is the body of build_error / project_error replies.
type ErrorPayload struct {
	BuildID   string `json:"buildId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	Error     string `json:"error"`
}
