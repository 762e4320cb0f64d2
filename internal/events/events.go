// Package events defines the closed set of event kinds flowing between the
// task manager, session registry, claim coordinator, context tracker,
// rate-limit tracker, and the control plane, plus a non-blocking fan-out bus.
package events

import "time"

// Kind tags an event. The set is closed: components emit only these.
type Kind string

const (
	// Task events
	TaskCreated       Kind = "task:created"
	TaskStatusChanged Kind = "task:status-changed"
	TaskCompleted     Kind = "task:completed"
	TaskUnblocked     Kind = "task:unblocked"
	TaskPromoted      Kind = "task:promoted"
	TaskMoved         Kind = "task:moved"
	TaskDeleted       Kind = "task:deleted"

	// Session events
	SessionStarted   Kind = "session:started"
	SessionUpdated   Kind = "session:updated"
	SessionCompleted Kind = "session:completed"

	// Delegation events
	DelegationStarted   Kind = "delegation:started"
	DelegationCompleted Kind = "delegation:completed"
	DelegationFailed    Kind = "delegation:failed"

	// Claim events
	ClaimAcquired Kind = "claim:acquired"
	ClaimReleased Kind = "claim:released"
	ClaimsCleanup Kind = "claims:cleanup"

	// Context tracker events
	ContextAlert Kind = "context:alert"

	// Rate-limit events
	AlertWarning  Kind = "alert:warning"
	AlertCritical Kind = "alert:critical"

	// Orchestrator events
	PhaseAdvanced Kind = "execution:phase-advanced"
)

// Event is one bus message. Payload holds the kind-specific record below.
type Event struct {
	Kind      Kind        `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// TaskPayload accompanies the task:* kinds.
type TaskPayload struct {
	TaskID      string `json:"taskId"`
	Title       string `json:"title,omitempty"`
	Status      string `json:"status,omitempty"`
	PrevStatus  string `json:"prevStatus,omitempty"`
	Tier        string `json:"tier,omitempty"`
	FromTier    string `json:"fromTier,omitempty"`
	UnblockedBy string `json:"unblockedBy,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`
}

// SessionPayload accompanies the session:* and delegation:* kinds.
type SessionPayload struct {
	SessionID    int    `json:"sessionId"`
	Project      string `json:"project,omitempty"`
	ProjectPath  string `json:"projectPath,omitempty"`
	Status       string `json:"status,omitempty"`
	SessionType  string `json:"sessionType,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
	DelegationID string `json:"delegationId,omitempty"`
}

// ClaimPayload accompanies the claim:* kinds.
type ClaimPayload struct {
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
	Swept     int    `json:"swept,omitempty"`
}

// ContextAlertPayload accompanies context:alert.
type ContextAlertPayload struct {
	Level       string  `json:"level"`
	Project     string  `json:"project"`
	ProjectPath string  `json:"projectPath"`
	SessionID   string  `json:"sessionId"`
	Utilization float64 `json:"utilization"`
	Metrics     Metrics `json:"metrics"`
}

// Metrics carries the token accounting snapshot inside a context alert.
type Metrics struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	CacheCreationTokens int64 `json:"cacheCreationTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens"`
	MessageCount        int64 `json:"messageCount"`
}

// RateAlertPayload accompanies alert:warning and alert:critical.
type RateAlertPayload struct {
	Window  string  `json:"window"`
	Used    int     `json:"used"`
	Limit   int     `json:"limit"`
	PctUsed float64 `json:"pctUsed"`
}

// PhasePayload accompanies execution:phase-advanced.
type PhasePayload struct {
	ProjectPath string `json:"projectPath"`
	FromPhase   string `json:"fromPhase"`
	ToPhase     string `json:"toPhase"`
	TaskID      string `json:"taskId,omitempty"`
}

// Now stamps a new event.
func Now(kind Kind, payload interface{}) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
