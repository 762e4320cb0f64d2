// Package registry tracks the fleet of live agent sessions in memory:
// registration with deduplication, status lifecycle, parent/child hierarchy,
// delegation records, completion tallies, and idle reaping.
package registry

import (
	"errors"
	"time"
)

// SessionType distinguishes interactive CLI sessions from orchestrator-run
// autonomous ones. A session's type may upgrade cli -> autonomous but never
// the other way.
type SessionType string

const (
	TypeCLI        SessionType = "cli"
	TypeAutonomous SessionType = "autonomous"
)

// Status enumerates session lifecycle states.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusPaused Status = "paused"
	StatusError  Status = "error"
	StatusEnded  Status = "ended"
)

// Metrics is the rolling per-session measurement set, updated by callers
// (the orchestrator or external hooks) as a session runs.
type Metrics struct {
	ContextPercent  float64 `json:"contextPercent"`
	InputTokens     int64   `json:"inputTokens"`
	OutputTokens    int64   `json:"outputTokens"`
	TotalTokens     int64   `json:"totalTokens"`
	Cost            float64 `json:"cost"`
	Messages        int     `json:"messages"`
	Iteration       int     `json:"iteration"`
	QualityScore    int     `json:"qualityScore"`
	ConfidenceScore int     `json:"confidenceScore"`
}

// DelegationStatus enumerates delegation outcomes.
type DelegationStatus string

const (
	DelegationActive    DelegationStatus = "active"
	DelegationCompleted DelegationStatus = "completed"
	DelegationFailed    DelegationStatus = "failed"
)

// Delegation records that a session handed a subtask to a child agent.
// Informational only: the registry never spawns anything.
type Delegation struct {
	DelegationID  string            `json:"delegationId"`
	TargetAgentID string            `json:"targetAgentId"`
	TaskID        string            `json:"taskId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        DelegationStatus  `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
	Result        string            `json:"result,omitempty"`
}

// Session is one tracked agent process.
type Session struct {
	ID              int         `json:"id"`
	Project         string      `json:"project"`
	ProjectPath     string      `json:"projectPath"`
	Status          Status      `json:"status"`
	SessionType     SessionType `json:"sessionType"`
	OrchestratorID  string      `json:"orchestratorId,omitempty"`
	AgentSessionID  string      `json:"agentSessionId,omitempty"`
	ParentSessionID int         `json:"parentSessionId,omitempty"`

	StartTime  time.Time  `json:"startTime"`
	LastUpdate time.Time  `json:"lastUpdate"`
	EndTime    *time.Time `json:"endTime,omitempty"`

	Metrics      Metrics  `json:"metrics"`
	CurrentTask  string   `json:"currentTask,omitempty"`
	QueuedTasks  []string `json:"queuedTasks,omitempty"`
	SkippedTasks []string `json:"skippedTasks,omitempty"`

	ActiveDelegations    []Delegation `json:"activeDelegations,omitempty"`
	CompletedDelegations []Delegation `json:"completedDelegations,omitempty"`
}

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	Project         string      `json:"project"`
	ProjectPath     string      `json:"projectPath"`
	SessionType     SessionType `json:"sessionType"`
	OrchestratorID  string      `json:"orchestratorId,omitempty"`
	AgentSessionID  string      `json:"agentSessionId,omitempty"`
	ParentSessionID int         `json:"parentSessionId,omitempty"`
	CurrentTask     string      `json:"currentTask,omitempty"`
}

// UpdateRequest carries a partial session update; nil fields are untouched.
type UpdateRequest struct {
	Status       *Status     `json:"status,omitempty"`
	Metrics      *Metrics    `json:"metrics,omitempty"`
	CurrentTask  *string     `json:"currentTask,omitempty"`
	QueuedTasks  []string    `json:"queuedTasks,omitempty"`
	SkippedTasks []string    `json:"skippedTasks,omitempty"`
	SessionType  SessionType `json:"sessionType,omitempty"`
}

// Completion is one entry in the bounded recent-completions ring.
type Completion struct {
	Project     string    `json:"project"`
	TaskID      string    `json:"taskId"`
	Score       int       `json:"score"`
	Cost        float64   `json:"cost"`
	CompletedAt time.Time `json:"completedAt"`
}

// Summary is the fleet roll-up served by the control plane.
type Summary struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"byStatus"`
	ByType      map[string]int `json:"byType"`
	ByProject   map[string]int `json:"byProject"`
	Sessions    []*Session     `json:"sessions"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// HierarchySummary extends Summary with delegation-derived figures.
type HierarchySummary struct {
	Summary
	ActiveDelegationCount int `json:"activeDelegationCount"`
	MaxDelegationDepth    int `json:"maxDelegationDepth"`
}

// ErrSessionNotFound reports an unknown session id.
var ErrSessionNotFound = errors.New("session not found")
