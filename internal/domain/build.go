package domain

import "time"

// BuildStatus enumerates build lifecycle states.
type BuildStatus string

const (
	StatusUnknown    BuildStatus = "unknown"
	StatusQueued     BuildStatus = "queued"
	StatusDispatched BuildStatus = "dispatched"
	StatusRunning    BuildStatus = "running"
	StatusSucceeded  BuildStatus = "succeeded"
	StatusFailed     BuildStatus = "failed"
	StatusCancelled  BuildStatus = "cancelled"
)

// Terminal reports whether the status accepts no further transition.
func (s BuildStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s BuildStatus) rank() int {
	switch s {
	case StatusDispatched:
		return 1
	case StatusRunning:
		return 2
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return 3
	default:
		// queued, unknown and any unrecognized CI status sit at the start.
		return 0
	}
}

// CanAdvance reports whether a transition from s to next is a strictly
// forward move. Terminal states never advance; forward jumps are allowed
// since the CI side may skip intermediate states.
func (s BuildStatus) CanAdvance(next BuildStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// LogEntry is one line of a build's append-only log trail.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Build captures a single CI execution attempt for a project.
type Build struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"projectId"`
	Instruction string      `json:"instruction"`
	RepoName    string      `json:"repoName"`
	Status      BuildStatus `json:"status"`
	Progress    int         `json:"progress"`
	Logs        []LogEntry  `json:"logs"`
	URL         string      `json:"url,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartTime   time.Time   `json:"startTime"`
	LastUpdate  time.Time   `json:"lastUpdate"`
	EndTime     *time.Time  `json:"endTime,omitempty"`
}

// AppendLog records a log line. Logs only grow; they are never reordered
// or truncated.
func (b *Build) AppendLog(at time.Time, message string) {
	b.Logs = append(b.Logs, LogEntry{Timestamp: at.UTC(), Message: message})
}

// Clone returns a deep copy safe to hand outside the store.
func (b *Build) Clone() *Build {
	copied := *b
	copied.Logs = append([]LogEntry(nil), b.Logs...)
	if b.EndTime != nil {
		end := *b.EndTime
		copied.EndTime = &end
	}
	return &copied
}
