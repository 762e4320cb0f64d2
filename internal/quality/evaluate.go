package quality

import (
	"fmt"
	"math"
	"time"
)

// Recommendation values an agent may report.
const (
	RecommendProceed = "proceed"
	RecommendIterate = "iterate"
)

// Report mirrors the quality-scores artifact an agent writes at the end of
// a session: per-criterion scores plus the agent's own recommendation.
type Report struct {
	Phase          string         `json:"phase"`
	TaskID         string         `json:"taskId"`
	Scores         map[string]int `json:"scores"`
	Recommendation string         `json:"recommendation"`
	Improvements   []string       `json:"improvements,omitempty"`
	EvaluatedAt    time.Time      `json:"evaluatedAt"`
}

// Evaluation is the gate's verdict on one report.
type Evaluation struct {
	Phase        Phase    `json:"phase"`
	Score        int      `json:"score"`
	Passed       bool     `json:"passed"`
	Reason       string   `json:"reason"`
	Improvements []string `json:"improvements"`
}

// EvaluatePhase scores a report against the named phase's rubric. The phase
// argument wins over report.Phase so a stale artifact cannot gate the wrong
// phase. Missing criteria score 0; unknown criteria are ignored; scores are
// clamped to [0,100]. Passing requires both clearing the phase minimum and
// an explicit proceed recommendation.
func EvaluatePhase(phaseName string, report Report) (Evaluation, error) {
	rubric, err := ScoringRubric(phaseName)
	if err != nil {
		return Evaluation{}, err
	}

	var weighted, totalWeight int
	for _, c := range rubric.Criteria {
		s := clampScore(report.Scores[c.ID])
		weighted += s * c.Weight
		totalWeight += c.Weight
	}
	score := int(math.Round(float64(weighted) / float64(totalWeight)))

	var improvements []string
	for _, c := range rubric.Criteria {
		s := clampScore(report.Scores[c.ID])
		if s < rubric.MinScore {
			improvements = append(improvements,
				fmt.Sprintf("%s scored %d, below the required %d: %s", c.ID, s, rubric.MinScore, c.Description))
		}
	}

	eval := Evaluation{
		Phase:        rubric.Phase,
		Score:        score,
		Improvements: improvements,
	}
	switch {
	case score < rubric.MinScore:
		eval.Reason = fmt.Sprintf("phase score %d is below the %s minimum %d", score, rubric.Phase, rubric.MinScore)
	case report.Recommendation != RecommendProceed:
		eval.Reason = fmt.Sprintf("phase score %d meets the %s minimum %d but the agent recommended %q",
			score, rubric.Phase, rubric.MinScore, report.Recommendation)
	default:
		eval.Passed = true
		eval.Reason = fmt.Sprintf("phase score %d meets the %s minimum %d", score, rubric.Phase, rubric.MinScore)
	}
	return eval, nil
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
