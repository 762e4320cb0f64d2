// Package task implements the persistent task store and backlog manager:
// a single JSON document holding tasks plus four backlog tiers, guarded by
// an advisory file lock, with atomic writes and dependency-driven status
// propagation.
package task

import (
	"errors"
	"fmt"
	"time"

	"tasknerd/internal/quality"
)

// Status enumerates task lifecycle states.
type Status string

const (
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

// Priority enumerates scheduling priorities.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Tier enumerates backlog tiers. Only the now tier feeds the orchestrator.
type Tier string

const (
	TierNow     Tier = "now"
	TierNext    Tier = "next"
	TierLater   Tier = "later"
	TierSomeday Tier = "someday"
)

// Tiers returns all tiers in promotion order.
func Tiers() []Tier {
	return []Tier{TierNow, TierNext, TierLater, TierSomeday}
}

// Dependencies groups the three relation kinds a task may declare.
type Dependencies struct {
	Blocks   []string `json:"blocks,omitempty"`
	Requires []string `json:"requires,omitempty"`
	Related  []string `json:"related,omitempty"`
}

// CompletionMeta records the outcome of a completed task.
type CompletionMeta struct {
	Deliverables   []string `json:"deliverables,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	QualityScore   int      `json:"qualityScore,omitempty"`
	ActualDuration string   `json:"actualDuration,omitempty"`
}

// Task is one unit of work.
type Task struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	Phase              quality.Phase   `json:"phase"`
	Priority           Priority        `json:"priority"`
	EstimatedEffort    string          `json:"estimatedEffort,omitempty"`
	Tags               []string        `json:"tags,omitempty"`
	Status             Status          `json:"status"`
	AcceptanceCriteria []string        `json:"acceptanceCriteria,omitempty"`
	Dependencies       Dependencies    `json:"dependencies,omitempty"`
	Created            time.Time       `json:"created"`
	Updated            time.Time       `json:"updated"`
	Started            *time.Time      `json:"started,omitempty"`
	Completed          *time.Time      `json:"completed,omitempty"`
	Completion         *CompletionMeta `json:"completion,omitempty"`
}

// Spec is the input to CreateTask. ID is optional; a UUID is assigned when
// empty. Backlog defaults to the next tier.
type Spec struct {
	ID                 string       `json:"id,omitempty"`
	Title              string       `json:"title"`
	Description        string       `json:"description,omitempty"`
	Phase              string       `json:"phase"`
	Priority           Priority     `json:"priority"`
	EstimatedEffort    string       `json:"estimatedEffort,omitempty"`
	Tags               []string     `json:"tags,omitempty"`
	Backlog            Tier         `json:"backlog,omitempty"`
	AcceptanceCriteria []string     `json:"acceptanceCriteria,omitempty"`
	Dependencies       Dependencies `json:"dependencies,omitempty"`
}

// Filter narrows GetReadyTasks. Zero values mean "any". Tags must all be
// present on a task for it to match.
type Filter struct {
	Phase    string
	Backlog  Tier
	Priority Priority
	Tags     []string
}

// Graph is the transitive dependency closure of one task, one BFS walk per
// relation kind, excluding the root id.
type Graph struct {
	Requires []string `json:"requires"`
	Blocks   []string `json:"blocks"`
	Related  []string `json:"related"`
}

// Stats summarizes the store.
type Stats struct {
	Total               int              `json:"total"`
	ByStatus            map[string]int   `json:"byStatus"`
	ByPhase             map[string]int   `json:"byPhase"`
	ByTier              map[string]int   `json:"byTier"`
	AvgDurationByPhase  map[string]int64 `json:"avgDurationMsByPhase"`
	CompletedWithScores int              `json:"completedWithScores"`
}

// ErrStoreLocked reports that another process holds the advisory lock.
var ErrStoreLocked = errors.New("task store locked by another process")

// NotFoundError reports an unknown task id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.ID)
}

// ValidationError reports a spec or transition that violates an invariant.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CycleError reports a requires cycle, with the offending id chain.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("requires cycle: %v", e.Chain)
}

// CorruptStoreError reports an unreadable store document. The store is never
// reset on corruption; the operator must intervene.
type CorruptStoreError struct {
	Path string
	Err  error
}

func (e *CorruptStoreError) Error() string {
	return fmt.Sprintf("corrupt task store at %s: %v", e.Path, e.Err)
}

func (e *CorruptStoreError) Unwrap() error { return e.Err }

func (s Status) valid() bool {
	switch s {
	case StatusReady, StatusInProgress, StatusBlocked, StatusCompleted, StatusAbandoned:
		return true
	}
	return false
}

func (p Priority) valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

func (t Tier) valid() bool {
	switch t {
	case TierNow, TierNext, TierLater, TierSomeday:
		return true
	}
	return false
}
