package tracker

import (
	"reflect"
	"testing"
)

func TestThresholdHysteresis(t *testing.T) {
	th := DefaultThresholds()
	s := newThresholdState()

	// Below everything: nothing fires.
	if got := s.observe(th, 30); got != nil {
		t.Fatalf("fired below thresholds: %v", got)
	}

	// Cross warning.
	if got := s.observe(th, 55); !reflect.DeepEqual(got, []Level{LevelWarning}) {
		t.Fatalf("warning crossing: %v", got)
	}
	// Monotonic climb within the same band: silent.
	if got := s.observe(th, 60); got != nil {
		t.Fatalf("re-fired within band: %v", got)
	}
	// Jump over critical and emergency at once: both fire, ordered.
	if got := s.observe(th, 80); !reflect.DeepEqual(got, []Level{LevelCritical, LevelEmergency}) {
		t.Fatalf("double crossing: %v", got)
	}
	// Still above: silent.
	if got := s.observe(th, 90); got != nil {
		t.Fatalf("re-fired above: %v", got)
	}

	// Drop below emergency only: emergency re-arms, others stay latched.
	if got := s.observe(th, 70); got != nil {
		t.Fatalf("fired on the way down: %v", got)
	}
	if got := s.observe(th, 76); !reflect.DeepEqual(got, []Level{LevelEmergency}) {
		t.Fatalf("emergency re-crossing: %v", got)
	}

	// Drop below everything, climb back: all three fire again.
	s.observe(th, 10)
	if got := s.observe(th, 80); !reflect.DeepEqual(got, []Level{LevelWarning, LevelCritical, LevelEmergency}) {
		t.Fatalf("full re-crossing: %v", got)
	}
}

func TestThresholdBoundaryIsInclusive(t *testing.T) {
	th := Thresholds{Warning: 50, Critical: 65, Emergency: 75}
	s := newThresholdState()

	if got := s.observe(th, 49.999); got != nil {
		t.Fatalf("fired under the boundary: %v", got)
	}
	if got := s.observe(th, 50); !reflect.DeepEqual(got, []Level{LevelWarning}) {
		t.Fatalf("exact boundary must fire: %v", got)
	}
}
