package orchestrator

import (
	"strings"
	"testing"

	"tasknerd/internal/quality"
	"tasknerd/internal/task"
)

func promptTask() *task.Task {
	return &task.Task{
		ID:          "task-42",
		Title:       "Add request retries",
		Description: "Transient upstream failures should be retried.",
		AcceptanceCriteria: []string{
			"retries are bounded",
			"backoff between attempts",
		},
	}
}

func TestBuildPromptContainsContract(t *testing.T) {
	rubric, err := quality.ScoringRubric("implement")
	if err != nil {
		t.Fatal(err)
	}
	prompt := buildPrompt(promptTask(), rubric, 1, nil)

	for _, want := range []string{
		"task-42",
		"Add request retries",
		"1. retries are bounded",
		"2. backoff between attempts",
		"task-completion.json",
		"quality-scores.json",
		`"acceptanceMet": [true, true]`,
		"weighted score of at least 90",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	// Every rubric criterion id must appear in the scores template.
	for _, id := range rubric.CriterionIDs() {
		if !strings.Contains(prompt, `"`+id+`": 0`) {
			t.Errorf("prompt missing scores template entry for %q", id)
		}
	}

	if strings.Contains(prompt, "Previous attempt") {
		t.Error("first iteration prompt should not mention a previous attempt")
	}
}

func TestBuildPromptIncludesPreviousFailure(t *testing.T) {
	rubric, err := quality.ScoringRubric("design")
	if err != nil {
		t.Fatal(err)
	}
	prev := &quality.Evaluation{
		Phase:        quality.PhaseDesign,
		Score:        60,
		Passed:       false,
		Reason:       "phase score 60 is below the design minimum 85",
		Improvements: []string{"apis scored 40, below the required 85: public interfaces specified"},
	}
	prompt := buildPrompt(promptTask(), rubric, 2, prev)

	if !strings.Contains(prompt, "Previous attempt") {
		t.Fatal("prompt missing previous attempt section")
	}
	if !strings.Contains(prompt, "scored 60") {
		t.Error("prompt missing previous score")
	}
	if !strings.Contains(prompt, "apis scored 40") {
		t.Error("prompt missing improvement hint")
	}
}

func TestBuildPromptSkipsPassedPreviousEval(t *testing.T) {
	rubric, err := quality.ScoringRubric("research")
	if err != nil {
		t.Fatal(err)
	}
	prev := &quality.Evaluation{Phase: quality.PhaseResearch, Score: 90, Passed: true}
	prompt := buildPrompt(promptTask(), rubric, 2, prev)
	if strings.Contains(prompt, "Previous attempt") {
		t.Error("passed evaluation should not produce a previous attempt section")
	}
}
