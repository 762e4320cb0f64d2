// Package quality implements the phase quality gate: per-phase scoring
// rubrics, weighted evaluation of agent-reported scores, and improvement
// hints for criteria that fall short.
package quality

import "fmt"

// Phase names the development lifecycle stages, in order.
type Phase string

const (
	PhaseResearch  Phase = "research"
	PhaseDesign    Phase = "design"
	PhaseImplement Phase = "implement"
	PhaseTest      Phase = "test"
)

// phaseOrder drives lifecycle progression.
var phaseOrder = []Phase{PhaseResearch, PhaseDesign, PhaseImplement, PhaseTest}

// aliases maps accepted input names to canonical phases.
var aliases = map[string]Phase{
	"research":       PhaseResearch,
	"planning":       PhaseResearch,
	"design":         PhaseDesign,
	"implement":      PhaseImplement,
	"implementation": PhaseImplement,
	"test":           PhaseTest,
	"testing":        PhaseTest,
	"validation":     PhaseTest,
}

// CanonicalPhase resolves a phase name, accepting aliases. Unknown names
// return an error rather than a zero phase so callers fail loudly.
func CanonicalPhase(name string) (Phase, error) {
	if p, ok := aliases[name]; ok {
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q", name)
}

// Phases returns the lifecycle order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// NextPhase returns the phase after p, or false when p is the last phase.
func (p Phase) Next() (Phase, bool) {
	for i, cur := range phaseOrder {
		if cur == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], true
		}
	}
	return "", false
}

// Valid reports whether p is one of the canonical phases.
func (p Phase) Valid() bool {
	_, ok := rubrics[p]
	return ok
}
