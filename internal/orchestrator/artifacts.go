package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"tasknerd/internal/logging"
	"tasknerd/internal/quality"
	"tasknerd/internal/task"
)

// CompletionRecord mirrors the task-completion.json artifact the agent
// writes when it believes the task is done.
type CompletionRecord struct {
	TaskID        string    `json:"taskId"`
	Status        string    `json:"status"`
	AcceptanceMet []bool    `json:"acceptanceMet"`
	Deliverables  []string  `json:"deliverables,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CompletedAt   time.Time `json:"completedAt"`
}

// CompletionVerdict is the orchestrator's reading of the artifact.
type CompletionVerdict struct {
	Complete bool
	Reason   string
	Record   *CompletionRecord
}

// readCompletion applies the safety rules for task-completion.json: a
// missing file, a non-completed status, a missing or mis-sized
// acceptanceMet array, or any unmet criterion all read as "not complete".
// Missing arrays never default to all-true.
func readCompletion(path string, t *task.Task) CompletionVerdict {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return CompletionVerdict{Reason: "no completion artifact written"}
	}
	if err != nil {
		return CompletionVerdict{Reason: fmt.Sprintf("completion artifact unreadable: %v", err)}
	}

	var rec CompletionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return CompletionVerdict{Reason: fmt.Sprintf("completion artifact malformed: %v", err)}
	}
	if rec.Status != "completed" {
		return CompletionVerdict{Reason: fmt.Sprintf("agent reported status %q", rec.Status), Record: &rec}
	}
	if rec.AcceptanceMet == nil {
		return CompletionVerdict{Reason: "acceptanceMet missing", Record: &rec}
	}
	if len(rec.AcceptanceMet) != len(t.AcceptanceCriteria) {
		return CompletionVerdict{
			Reason: fmt.Sprintf("acceptanceMet has %d entries, task has %d criteria",
				len(rec.AcceptanceMet), len(t.AcceptanceCriteria)),
			Record: &rec,
		}
	}
	for i, met := range rec.AcceptanceMet {
		if !met {
			return CompletionVerdict{
				Reason: fmt.Sprintf("acceptance criterion %d not met: %s", i+1, t.AcceptanceCriteria[i]),
				Record: &rec,
			}
		}
	}
	return CompletionVerdict{Complete: true, Record: &rec}
}

// readScores loads the quality-scores.json artifact. A missing or broken
// file yields an empty report, which evaluates to zero and cannot pass.
func readScores(path string) quality.Report {
	data, err := os.ReadFile(path)
	if err != nil {
		return quality.Report{}
	}
	var report quality.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return quality.Report{}
	}
	return report
}

// clearArtifacts deletes both artifact files so a stale pair cannot bleed
// into the next iteration. Missing files are fine.
func clearArtifacts(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			// Deletion failure is survivable but worth surfacing: the next
			// session may read this iteration's verdict.
			logging.OrchestratorWarn("could not remove artifact %s: %v", p, err)
		}
	}
}
