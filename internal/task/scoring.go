package task

import (
	"strconv"
	"strings"

	"tasknerd/internal/quality"
)

// Scoring weights. Priority dominates, phase alignment second, effort third,
// tag history last.
const (
	weightPriority  = 0.40
	weightPhase     = 0.30
	weightEffort    = 0.20
	weightHistory   = 0.10
	hoursPerWorkDay = 8
)

// priorityPoints maps priorities to their scoring contribution.
var priorityPoints = map[Priority]float64{
	PriorityCritical: 100,
	PriorityHigh:     75,
	PriorityMedium:   50,
	PriorityLow:      25,
}

// historyEntry is one terminal task's outcome, used for the tag-overlap
// success rate.
type historyEntry struct {
	tags      []string
	succeeded bool
}

// Score ranks a task for selection: higher is sooner. Deterministic in the
// task, the orchestrator's current phase, and the history snapshot.
func Score(t *Task, currentPhase quality.Phase, history []historyEntry) float64 {
	return weightPriority*priorityPoints[t.Priority] +
		weightPhase*phaseAlignmentPoints(t, currentPhase) +
		weightEffort*effortPoints(t.EstimatedEffort) +
		weightHistory*historyPoints(t.Tags, history)
}

func phaseAlignmentPoints(t *Task, currentPhase quality.Phase) float64 {
	if currentPhase != "" && t.Phase == currentPhase {
		return 100
	}
	return 33
}

// effortPoints buckets the estimate: small tasks score higher because they
// complete inside fewer sessions. Unparseable estimates land in the middle
// bucket rather than being penalized.
func effortPoints(estimate string) float64 {
	hours, ok := parseEffortHours(estimate)
	if !ok {
		return 50
	}
	switch {
	case hours <= 2:
		return 100
	case hours <= 4:
		return 75
	case hours <= 8:
		return 50
	default:
		return 25
	}
}

// parseEffortHours understands "2h", "90m", "1.5 hours", "2 days", "1d".
// Days are working days.
func parseEffortHours(s string) (float64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}

	unit := 1.0 // hours
	switch {
	case strings.HasSuffix(s, "minutes"), strings.HasSuffix(s, "minute"),
		strings.HasSuffix(s, "mins"), strings.HasSuffix(s, "min"), strings.HasSuffix(s, "m"):
		unit = 1.0 / 60
		s = trimUnit(s, "minutes", "minute", "mins", "min", "m")
	case strings.HasSuffix(s, "hours"), strings.HasSuffix(s, "hour"),
		strings.HasSuffix(s, "hrs"), strings.HasSuffix(s, "hr"), strings.HasSuffix(s, "h"):
		s = trimUnit(s, "hours", "hour", "hrs", "hr", "h")
	case strings.HasSuffix(s, "days"), strings.HasSuffix(s, "day"), strings.HasSuffix(s, "d"):
		unit = hoursPerWorkDay
		s = trimUnit(s, "days", "day", "d")
	}

	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n * unit, true
}

func trimUnit(s string, suffixes ...string) string {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return strings.TrimSuffix(s, suf)
		}
	}
	return s
}

// historyPoints is 100 times the success rate over terminal tasks sharing at
// least one tag with the candidate. A task that completed counts as a
// success; an abandoned one counts as a failure. No overlapping history
// scores a neutral 50.
func historyPoints(tags []string, history []historyEntry) float64 {
	if len(tags) == 0 || len(history) == 0 {
		return 50
	}
	var total, succeeded int
	for _, h := range history {
		if !tagsOverlap(tags, h.tags) {
			continue
		}
		total++
		if h.succeeded {
			succeeded++
		}
	}
	if total == 0 {
		return 50
	}
	pts := 100 * float64(succeeded) / float64(total)
	if pts < 0 {
		return 0
	}
	if pts > 100 {
		return 100
	}
	return pts
}

func tagsOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
