// Package orchestrator drives the outer loop: pick a task, spawn one agent
// subprocess, supervise it against the context budget, score the artifacts
// it leaves behind, and decide whether to iterate, advance phase, or stop.
package orchestrator

import (
	"tasknerd/internal/quality"
)

// ExitReason classifies how a session ended.
type ExitReason string

const (
	// ExitComplete: the subprocess exited on its own; artifacts decide what
	// happens next.
	ExitComplete ExitReason = "complete"
	// ExitThreshold: the supervisor killed the subprocess because its
	// context crossed the configured budget. The task stays in_progress and
	// the iteration counter is not charged.
	ExitThreshold ExitReason = "threshold"
	// ExitShutdown: the supervisor killed the subprocess because the loop's
	// context was cancelled. The task stays in_progress for the next run.
	ExitShutdown ExitReason = "shutdown"
	// ExitError: spawn failure or abnormal exit.
	ExitError ExitReason = "error"
)

// State is the loop's working memory. Single-threaded: only Run touches it.
type State struct {
	CurrentPhase            quality.Phase          `json:"currentPhase"`
	PhaseIteration          int                    `json:"phaseIteration"`
	TotalSessions           int                    `json:"totalSessions"`
	CurrentTaskID           string                 `json:"currentTaskId,omitempty"`
	ContinueWithCurrentTask bool                   `json:"continueWithCurrentTask"`
	TaskIterations          map[string]int         `json:"taskIterations"`
	PhaseScores             map[quality.Phase]int  `json:"phaseScores"`
	PhaseHistory            map[string][]quality.Phase `json:"phaseHistory"`
}

func newState(startPhase quality.Phase) *State {
	return &State{
		CurrentPhase:   startPhase,
		TaskIterations: make(map[string]int),
		PhaseScores:    make(map[quality.Phase]int),
		PhaseHistory:   make(map[string][]quality.Phase),
	}
}

// snapshot copies the state for the control plane's /api/execution view.
func (s *State) snapshot() State {
	out := *s
	out.TaskIterations = make(map[string]int, len(s.TaskIterations))
	for k, v := range s.TaskIterations {
		out.TaskIterations[k] = v
	}
	out.PhaseScores = make(map[quality.Phase]int, len(s.PhaseScores))
	for k, v := range s.PhaseScores {
		out.PhaseScores[k] = v
	}
	out.PhaseHistory = make(map[string][]quality.Phase, len(s.PhaseHistory))
	for k, v := range s.PhaseHistory {
		out.PhaseHistory[k] = append([]quality.Phase(nil), v...)
	}
	return out
}
