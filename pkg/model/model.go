// Package model defines the core entities shared across Mendbox packages.
package model

import "time"

// SandboxStatus represents the current state of a sandbox.
type SandboxStatus string

const (
	SandboxCreating SandboxStatus = "creating"
	SandboxRunning  SandboxStatus = "running"
	SandboxStopped  SandboxStatus = "stopped"
	SandboxFailed   SandboxStatus = "failed"
	SandboxExpired  SandboxStatus = "expired"
)

// Sandbox is an ephemeral, isolated single-container execution environment
// for one project's live preview.
type Sandbox struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	UserID       string        `json:"user_id"`
	Status       SandboxStatus `json:"status"`
	Technology   string        `json:"technology"`
	ContainerID  string        `json:"-"`
	InternalPort int           `json:"internal_port"`
	ExternalPort int           `json:"external_port"`
	PreviewURL   string        `json:"preview_url"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
}

// EventKind identifies a typed lifecycle event.
type EventKind string

const (
	// Docker lifecycle events.
	EventDockerCreating   EventKind = "DOCKER_CREATING"
	EventDockerStarted    EventKind = "DOCKER_STARTED"
	EventDockerRunning    EventKind = "DOCKER_RUNNING"
	EventDockerRestarting EventKind = "DOCKER_RESTARTING"
	EventDockerStopped    EventKind = "DOCKER_STOPPED"
	EventDockerFailed     EventKind = "DOCKER_FAILED"
	EventDockerLog        EventKind = "DOCKER_LOG"
	EventDockerError      EventKind = "DOCKER_ERROR"
	EventPreviewReloading EventKind = "PREVIEW_RELOADING"

	// Auto-fix loop events.
	EventFixStarted    EventKind = "FIX_STARTED"
	EventFixAnalyzing  EventKind = "FIX_ANALYZING"
	EventFixGenerating EventKind = "FIX_GENERATING"
	EventFixApplying   EventKind = "FIX_APPLYING"
	EventFixRestarting EventKind = "FIX_RESTARTING"
	EventFixVerifying  EventKind = "FIX_VERIFYING"
	EventFixComplete   EventKind = "FIX_COMPLETE"
	EventFixFailed     EventKind = "FIX_FAILED"
	EventFixMaxRetries EventKind = "FIX_MAX_RETRIES"
)

// Event is a single immutable lifecycle event for a project.
type Event struct {
	ID        int64             `json:"id"`
	Kind      EventKind         `json:"kind"`
	ProjectID string            `json:"project_id"`
	Source    string            `json:"source"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(kind EventKind, projectID, source string, payload map[string]string) *Event {
	return &Event{
		Kind:      kind,
		ProjectID: projectID,
		Source:    source,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
