package ratelimit

import (
	"sync"
	"time"

	"tasknerd/internal/events"
	"tasknerd/internal/logging"
)

// Tracker is the fleet-wide rate-limit accountant. One mutex orders every
// RecordMessage and keeps the three windows consistent with each other.
type Tracker struct {
	mu sync.Mutex

	limits   Limits
	resetDay time.Weekday

	// events is the sliding 5-hour history, unix milliseconds ascending,
	// capped at maxEvents.
	events []int64

	dailyUsed   int
	dailyStart  time.Time
	weeklyUsed  int
	weeklyStart time.Time

	// alerted latches per-window alert emission until the window rolls or
	// usage drops back under the fraction.
	alerted map[string]bool

	dirty bool
	bus   *events.Bus
	log   *logging.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New builds a tracker with the given budgets and weekly anchor.
func New(limits Limits, resetDay time.Weekday, bus *events.Bus) *Tracker {
	t := &Tracker{
		limits:   limits,
		resetDay: resetDay,
		alerted:  make(map[string]bool),
		bus:      bus,
		log:      logging.Get(logging.CategoryRateLimit),
		now:      time.Now,
	}
	now := t.now()
	t.dailyStart = startOfDay(now)
	t.weeklyStart = startOfWeek(now, resetDay)
	return t
}

// RecordMessage counts one agent invocation against all three windows.
func (t *Tracker) RecordMessage() {
	t.mu.Lock()
	now := t.now()
	t.rollLocked(now)

	t.events = append(t.events, now.UnixMilli())
	if len(t.events) > maxEvents {
		t.events = t.events[len(t.events)-maxEvents:]
	}
	t.dailyUsed++
	t.weeklyUsed++
	t.dirty = true

	alerts := t.newAlertsLocked(now)
	t.mu.Unlock()

	for _, a := range alerts {
		kind := events.AlertWarning
		if a.PctUsed >= 100 {
			kind = events.AlertCritical
		}
		t.log.Warn("Rate limit %s window at %.0f%% (%d/%d)", a.Window, a.PctUsed, a.Used, a.Limit)
		if t.bus != nil {
			t.bus.Publish(events.Now(kind, events.RateAlertPayload{
				Window: a.Window, Used: a.Used, Limit: a.Limit, PctUsed: a.PctUsed,
			}))
		}
	}
}

// rollLocked advances the fixed windows past their boundaries.
func (t *Tracker) rollLocked(now time.Time) {
	if day := startOfDay(now); day.After(t.dailyStart) {
		t.dailyUsed = 0
		t.dailyStart = day
		delete(t.alerted, "daily")
		t.dirty = true
	}
	if week := startOfWeek(now, t.resetDay); week.After(t.weeklyStart) {
		t.weeklyUsed = 0
		t.weeklyStart = week
		delete(t.alerted, "weekly")
		t.dirty = true
	}
}

// fiveHourUsedLocked counts events inside the sliding window and reports
// the oldest in-window timestamp.
func (t *Tracker) fiveHourUsedLocked(now time.Time) (used int, oldest time.Time) {
	cutoff := now.Add(-fiveHour).UnixMilli()
	for _, ts := range t.events {
		if ts >= cutoff {
			if used == 0 {
				oldest = time.UnixMilli(ts)
			}
			used++
		}
	}
	return used, oldest
}

// GetSnapshot returns all three windows.
func (t *Tracker) GetSnapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.rollLocked(now)
	return t.snapshotLocked(now)
}

func (t *Tracker) snapshotLocked(now time.Time) Snapshot {
	used, oldest := t.fiveHourUsedLocked(now)
	five := Window{
		Name:  "fiveHour",
		Used:  used,
		Limit: t.limits.FiveHour,
	}
	if used > 0 {
		five.WindowStart = oldest
		five.ResetAt = oldest.Add(fiveHour)
		elapsed := now.Sub(oldest).Hours()
		if elapsed < time.Minute.Hours() {
			elapsed = time.Minute.Hours()
		}
		five.Pace = &Pace{
			Current: float64(used) / elapsed,
			Safe:    float64(t.limits.FiveHour) * alertFraction / fiveHour.Hours(),
		}
	} else {
		five.WindowStart = now
		five.ResetAt = now.Add(fiveHour)
	}
	five.PctUsed = pctUsed(five.Used, five.Limit)

	daily := Window{
		Name:        "daily",
		Used:        t.dailyUsed,
		Limit:       t.limits.Daily,
		WindowStart: t.dailyStart,
		ResetAt:     t.dailyStart.AddDate(0, 0, 1),
	}
	daily.PctUsed = pctUsed(daily.Used, daily.Limit)
	if frac := now.Sub(t.dailyStart).Seconds() / daily.ResetAt.Sub(t.dailyStart).Seconds(); frac > 0 {
		daily.Projected = &Projection{EndOfDay: int(float64(t.dailyUsed) / frac)}
	}

	weekly := Window{
		Name:        "weekly",
		Used:        t.weeklyUsed,
		Limit:       t.limits.Weekly,
		WindowStart: t.weeklyStart,
		ResetAt:     t.weeklyStart.AddDate(0, 0, 7),
	}
	weekly.PctUsed = pctUsed(weekly.Used, weekly.Limit)

	return Snapshot{FiveHour: five, Daily: daily, Weekly: weekly, GeneratedAt: now}
}

// GetAlerts returns the windows currently at or above the alert fraction.
func (t *Tracker) GetAlerts() []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.rollLocked(now)

	var out []Alert
	snap := t.snapshotLocked(now)
	for _, w := range []Window{snap.FiveHour, snap.Daily, snap.Weekly} {
		if w.Limit > 0 && float64(w.Used) >= alertFraction*float64(w.Limit) {
			out = append(out, Alert{Window: w.Name, Used: w.Used, Limit: w.Limit, PctUsed: w.PctUsed})
		}
	}
	return out
}

// newAlertsLocked returns alerts that have not fired yet this window
// period, latching them.
func (t *Tracker) newAlertsLocked(now time.Time) []Alert {
	var out []Alert
	snap := t.snapshotLocked(now)
	for _, w := range []Window{snap.FiveHour, snap.Daily, snap.Weekly} {
		if w.Limit <= 0 {
			continue
		}
		over := float64(w.Used) >= alertFraction*float64(w.Limit)
		switch {
		case over && !t.alerted[w.Name]:
			t.alerted[w.Name] = true
			out = append(out, Alert{Window: w.Name, Used: w.Used, Limit: w.Limit, PctUsed: w.PctUsed})
		case !over:
			delete(t.alerted, w.Name)
		}
	}
	return out
}

// SetLimits replaces the budgets at runtime; zero fields keep their value.
func (t *Tracker) SetLimits(l Limits) Limits {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l.FiveHour > 0 {
		t.limits.FiveHour = l.FiveHour
	}
	if l.Daily > 0 {
		t.limits.Daily = l.Daily
	}
	if l.Weekly > 0 {
		t.limits.Weekly = l.Weekly
	}
	t.dirty = true
	return t.limits
}

// Reset clears all usage. Operator escape hatch for plan rollovers the
// tracker mis-guessed.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.events = nil
	t.dailyUsed = 0
	t.weeklyUsed = 0
	t.dailyStart = startOfDay(now)
	t.weeklyStart = startOfWeek(now, t.resetDay)
	t.alerted = make(map[string]bool)
	t.dirty = true
	t.log.Info("Rate limit counters reset")
}
