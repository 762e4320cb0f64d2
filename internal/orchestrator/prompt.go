package orchestrator

import (
	"fmt"
	"strings"

	"tasknerd/internal/quality"
	"tasknerd/internal/task"
)

// buildPrompt renders the plain-text instructions handed to the agent over
// stdin. The completion protocol embeds literal JSON templates keyed by the
// phase's criterion ids so the agent cannot guess the schema wrong.
func buildPrompt(t *task.Task, rubric quality.Rubric, iteration int, prevEval *quality.Evaluation) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task %s — phase %s (iteration %d)\n\n", t.ID, rubric.Phase, iteration)
	fmt.Fprintf(&b, "## %s\n\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", t.Description)
	}

	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("## Acceptance criteria\n\n")
		for i, c := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c)
		}
		b.WriteString("\n")
	}

	if prevEval != nil && prevEval.Score > 0 && !prevEval.Passed {
		fmt.Fprintf(&b, "## Previous attempt\n\nThe last attempt scored %d (%s). Address these before anything else:\n\n",
			prevEval.Score, prevEval.Reason)
		for _, imp := range prevEval.Improvements {
			fmt.Fprintf(&b, "- %s\n", imp)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Instructions\n\n")
	b.WriteString("1. Read .claude/dev-docs/project-summary.md for project context if it exists.\n")
	b.WriteString("2. Work through each acceptance criterion in order. Do not skip any.\n")
	b.WriteString("3. When done, write the two completion files described below. Do not finish without them.\n\n")

	b.WriteString("## Scoring rubric\n\n")
	b.WriteString(rubric.String())
	b.WriteString("\n")

	b.WriteString("## Completion protocol\n\n")
	b.WriteString("Write `.claude/dev-docs/task-completion.json`:\n\n```json\n{\n")
	fmt.Fprintf(&b, "  \"taskId\": %q,\n", t.ID)
	b.WriteString("  \"status\": \"completed\",\n")
	fmt.Fprintf(&b, "  \"acceptanceMet\": [%s],\n", strings.TrimSuffix(strings.Repeat("true, ", len(t.AcceptanceCriteria)), ", "))
	b.WriteString("  \"deliverables\": [\"path/to/artifact\"],\n")
	b.WriteString("  \"notes\": \"what was done\",\n")
	b.WriteString("  \"completedAt\": \"2006-01-02T15:04:05Z\"\n}\n```\n\n")
	b.WriteString("`acceptanceMet` must have exactly one boolean per acceptance criterion, in order. ")
	b.WriteString("Report false for any criterion you did not fully satisfy.\n\n")

	b.WriteString("Write `.claude/dev-docs/quality-scores.json`:\n\n```json\n{\n")
	fmt.Fprintf(&b, "  \"phase\": %q,\n", rubric.Phase)
	fmt.Fprintf(&b, "  \"taskId\": %q,\n", t.ID)
	b.WriteString("  \"scores\": {\n")
	ids := rubric.CriterionIDs()
	for i, id := range ids {
		comma := ","
		if i == len(ids)-1 {
			comma = ""
		}
		fmt.Fprintf(&b, "    %q: 0%s\n", id, comma)
	}
	b.WriteString("  },\n")
	b.WriteString("  \"recommendation\": \"proceed\"\n}\n```\n\n")
	fmt.Fprintf(&b, "Score each criterion 0-100 honestly. The phase passes at a weighted score of %d or above. ", rubric.MinScore)
	b.WriteString("Recommend \"iterate\" instead of \"proceed\" if you believe another pass is needed.\n")

	return b.String()
}
