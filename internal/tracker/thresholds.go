package tracker

// Level names a context-percent alert severity.
type Level string

const (
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
	LevelEmergency Level = "emergency"
)

// Thresholds holds the three alert boundaries in percent.
type Thresholds struct {
	Warning   float64
	Critical  float64
	Emergency float64
}

// DefaultThresholds mirrors the standard alerting policy.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 50, Critical: 65, Emergency: 75}
}

func (t Thresholds) levels() []struct {
	level Level
	bound float64
} {
	return []struct {
		level Level
		bound float64
	}{
		{LevelWarning, t.Warning},
		{LevelCritical, t.Critical},
		{LevelEmergency, t.Emergency},
	}
}

// thresholdState is the per-session hysteresis latch: each level fires once
// on upward crossing and re-arms only after the percent drops strictly
// below its boundary.
type thresholdState struct {
	fired map[Level]bool
}

func newThresholdState() *thresholdState {
	return &thresholdState{fired: make(map[Level]bool)}
}

// observe feeds a new percent and returns the levels that fire now, lowest
// severity first.
func (s *thresholdState) observe(t Thresholds, percent float64) []Level {
	var firing []Level
	for _, l := range t.levels() {
		if percent >= l.bound {
			if !s.fired[l.level] {
				s.fired[l.level] = true
				firing = append(firing, l.level)
			}
		} else {
			s.fired[l.level] = false
		}
	}
	return firing
}
