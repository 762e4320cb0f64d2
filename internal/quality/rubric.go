package quality

import "fmt"

// Criterion is one weighted scoring dimension within a phase rubric.
// MinContribution is the weighted points the criterion must supply for the
// phase to clear its minimum, i.e. weight * minScore / 100.
type Criterion struct {
	ID              string `json:"id"`
	Description     string `json:"description"`
	Weight          int    `json:"weight"`
	MinContribution int    `json:"minContribution"`
}

// Rubric is the full scoring contract for one phase.
type Rubric struct {
	Phase    Phase       `json:"phase"`
	MinScore int         `json:"minScore"`
	Criteria []Criterion `json:"criteria"`
}

// rubrics is the authoritative phase table. Weights sum to 100 per phase.
var rubrics = map[Phase]Rubric{
	PhaseResearch: buildRubric(PhaseResearch, 80, []Criterion{
		{ID: "requirements", Description: "functional and non-functional requirements enumerated and unambiguous", Weight: 30},
		{ID: "analysis", Description: "problem space analyzed with evidence from the codebase", Weight: 25},
		{ID: "risks", Description: "risks identified with likelihood and mitigation", Weight: 20},
		{ID: "feasibility", Description: "approach validated against existing constraints", Weight: 15},
		{ID: "alternatives", Description: "alternative approaches compared with rationale", Weight: 10},
	}),
	PhaseDesign: buildRubric(PhaseDesign, 85, []Criterion{
		{ID: "architecture", Description: "component boundaries and responsibilities defined", Weight: 30},
		{ID: "apis", Description: "public interfaces specified with inputs, outputs, and errors", Weight: 25},
		{ID: "dataModel", Description: "data structures and persistence shapes specified", Weight: 20},
		{ID: "failureModel", Description: "failure modes and recovery paths designed", Weight: 15},
		{ID: "tradeoffs", Description: "design tradeoffs stated with justification", Weight: 10},
	}),
	PhaseImplement: buildRubric(PhaseImplement, 90, []Criterion{
		{ID: "correctness", Description: "behavior matches the design under normal inputs", Weight: 35},
		{ID: "robustness", Description: "errors handled and edge inputs tolerated", Weight: 25},
		{ID: "clarity", Description: "code is readable and follows project conventions", Weight: 20},
		{ID: "tests", Description: "new behavior covered by passing tests", Weight: 15},
		{ID: "perf", Description: "no avoidable hot-path regressions", Weight: 5},
	}),
	PhaseTest: buildRubric(PhaseTest, 90, []Criterion{
		{ID: "coverage", Description: "all changed paths exercised by tests", Weight: 30},
		{ID: "correctness", Description: "assertions verify actual expected behavior", Weight: 30},
		{ID: "edgeCases", Description: "boundary and malformed inputs tested", Weight: 20},
		{ID: "regression", Description: "previously fixed defects guarded", Weight: 10},
		{ID: "perf", Description: "performance-sensitive paths measured", Weight: 10},
	}),
}

func buildRubric(phase Phase, minScore int, criteria []Criterion) Rubric {
	for i := range criteria {
		criteria[i].MinContribution = criteria[i].Weight * minScore / 100
	}
	return Rubric{Phase: phase, MinScore: minScore, Criteria: criteria}
}

// ScoringRubric returns the rubric for a phase, accepting aliases.
func ScoringRubric(name string) (Rubric, error) {
	phase, err := CanonicalPhase(name)
	if err != nil {
		return Rubric{}, err
	}
	r := rubrics[phase]
	out := Rubric{Phase: r.Phase, MinScore: r.MinScore, Criteria: make([]Criterion, len(r.Criteria))}
	copy(out.Criteria, r.Criteria)
	return out, nil
}

// CriterionIDs returns the rubric's criterion ids in weight order.
func (r Rubric) CriterionIDs() []string {
	ids := make([]string, len(r.Criteria))
	for i, c := range r.Criteria {
		ids[i] = c.ID
	}
	return ids
}

// Criterion looks up a criterion by id.
func (r Rubric) Criterion(id string) (Criterion, bool) {
	for _, c := range r.Criteria {
		if c.ID == id {
			return c, true
		}
	}
	return Criterion{}, false
}

// String renders the rubric as prompt-ready lines.
func (r Rubric) String() string {
	s := fmt.Sprintf("Phase %q requires a weighted score of at least %d:\n", r.Phase, r.MinScore)
	for _, c := range r.Criteria {
		s += fmt.Sprintf("  - %s (weight %d): %s\n", c.ID, c.Weight, c.Description)
	}
	return s
}
