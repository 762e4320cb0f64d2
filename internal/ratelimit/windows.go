// Package ratelimit accounts for fleet-wide message usage across three
// parallel windows: a 5-hour sliding window, a local calendar day, and a
// week anchored to a configurable reset day. Every recorded message
// advances all three atomically.
package ratelimit

import (
	"time"
)

const (
	fiveHour = 5 * time.Hour
	// maxEvents bounds the sliding-window event list; 5-hour usage beyond
	// this is out of any plausible plan anyway.
	maxEvents = 1000
	// alertFraction is the utilization at which a window appears in
	// GetAlerts and fires a warning.
	alertFraction = 0.9
)

// Limits holds the per-window message budgets.
type Limits struct {
	FiveHour int `json:"fiveHour"`
	Daily    int `json:"daily"`
	Weekly   int `json:"weekly"`
}

// Pace compares the current send rate against the rate that would spend
// 90% of the budget evenly over the window. Messages per hour.
type Pace struct {
	Current float64 `json:"current"`
	Safe    float64 `json:"safe"`
}

// Projection extrapolates the day's usage linearly to midnight.
type Projection struct {
	EndOfDay int `json:"endOfDay"`
}

// Window is one window's snapshot.
type Window struct {
	Name        string      `json:"name"`
	Used        int         `json:"used"`
	Limit       int         `json:"limit"`
	PctUsed     float64     `json:"pctUsed"`
	WindowStart time.Time   `json:"windowStart"`
	ResetAt     time.Time   `json:"resetAt"`
	Pace        *Pace       `json:"pace,omitempty"`
	Projected   *Projection `json:"projected,omitempty"`
}

// Snapshot is the full rate-limit picture.
type Snapshot struct {
	FiveHour    Window    `json:"fiveHour"`
	Daily       Window    `json:"daily"`
	Weekly      Window    `json:"weekly"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Alert flags a window at or above the alert fraction.
type Alert struct {
	Window  string  `json:"window"`
	Used    int     `json:"used"`
	Limit   int     `json:"limit"`
	PctUsed float64 `json:"pctUsed"`
}

// startOfDay returns local midnight for t.
func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// startOfWeek returns the most recent resetDay midnight at or before t.
func startOfWeek(t time.Time, resetDay time.Weekday) time.Time {
	day := startOfDay(t)
	delta := (int(t.Weekday()) - int(resetDay) + 7) % 7
	return day.AddDate(0, 0, -delta)
}

func pctUsed(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}
