package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"tasknerd/internal/task"
)

func completionTask(criteria int) *task.Task {
	t := &task.Task{ID: "task-7", Title: "t"}
	for i := 0; i < criteria; i++ {
		t.AcceptanceCriteria = append(t.AcceptanceCriteria, "criterion")
	}
	return t
}

func TestReadCompletionSafetyRules(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		missing  bool
		criteria int
		complete bool
	}{
		{
			name:     "missing file",
			missing:  true,
			criteria: 2,
		},
		{
			name:     "malformed json",
			body:     `{"taskId": "task-7",`,
			criteria: 2,
		},
		{
			name:     "status not completed",
			body:     `{"taskId":"task-7","status":"in_progress","acceptanceMet":[true,true]}`,
			criteria: 2,
		},
		{
			name:     "acceptanceMet missing never defaults to true",
			body:     `{"taskId":"task-7","status":"completed"}`,
			criteria: 2,
		},
		{
			name:     "acceptanceMet wrong length",
			body:     `{"taskId":"task-7","status":"completed","acceptanceMet":[true]}`,
			criteria: 2,
		},
		{
			name:     "one criterion unmet",
			body:     `{"taskId":"task-7","status":"completed","acceptanceMet":[true,false]}`,
			criteria: 2,
		},
		{
			name:     "all criteria met",
			body:     `{"taskId":"task-7","status":"completed","acceptanceMet":[true,true]}`,
			criteria: 2,
			complete: true,
		},
		{
			name:     "zero criteria with empty array",
			body:     `{"taskId":"task-7","status":"completed","acceptanceMet":[]}`,
			criteria: 0,
			complete: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "task-completion.json")
			if !tc.missing {
				if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			verdict := readCompletion(path, completionTask(tc.criteria))
			if verdict.Complete != tc.complete {
				t.Errorf("Complete = %v, want %v (reason: %s)", verdict.Complete, tc.complete, verdict.Reason)
			}
			if !verdict.Complete && verdict.Reason == "" {
				t.Error("incomplete verdict must carry a reason")
			}
		})
	}
}

func TestReadScoresBrokenFileYieldsEmptyReport(t *testing.T) {
	dir := t.TempDir()

	report := readScores(filepath.Join(dir, "absent.json"))
	if len(report.Scores) != 0 {
		t.Errorf("missing file: scores = %v, want empty", report.Scores)
	}

	broken := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(broken, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	report = readScores(broken)
	if len(report.Scores) != 0 {
		t.Errorf("broken file: scores = %v, want empty", report.Scores)
	}
}

func TestClearArtifactsRemovesAndToleratesMissing(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "a.json")
	if err := os.WriteFile(present, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	clearArtifacts(present, filepath.Join(dir, "never-existed.json"))
	if _, err := os.Stat(present); !os.IsNotExist(err) {
		t.Errorf("artifact still present after clear: %v", err)
	}
}
