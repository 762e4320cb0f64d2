package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// persistInterval is how often dirty state reaches disk. Losing at most ten
// seconds of near-past on a crash is acceptable for rate accounting.
const persistInterval = 10 * time.Second

// persistedState is the on-disk shape. The sliding event list carries the
// near-past; the fixed windows carry their counters and roll-over stamps.
type persistedState struct {
	Version     int       `json:"version"`
	Events      []int64   `json:"events"`
	DailyUsed   int       `json:"dailyUsed"`
	DailyStart  time.Time `json:"dailyStart"`
	WeeklyUsed  int       `json:"weeklyUsed"`
	WeeklyStart time.Time `json:"weeklyStart"`
	Limits      Limits    `json:"limits"`
}

// Load restores persisted usage. A missing file is a fresh start; a corrupt
// file is logged and ignored because rate history is advisory, unlike the
// task store.
func (t *Tracker) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading rate-limit state: %w", err)
	}

	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		t.log.Warn("Discarding corrupt rate-limit state %s: %v", path, err)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = st.Events
	if len(t.events) > maxEvents {
		t.events = t.events[len(t.events)-maxEvents:]
	}
	now := t.now()
	if startOfDay(now).Equal(st.DailyStart) {
		t.dailyUsed = st.DailyUsed
		t.dailyStart = st.DailyStart
	}
	if startOfWeek(now, t.resetDay).Equal(st.WeeklyStart) {
		t.weeklyUsed = st.WeeklyUsed
		t.weeklyStart = st.WeeklyStart
	}
	if st.Limits.FiveHour > 0 {
		t.limits = st.Limits
	}
	t.log.Info("Rate-limit state restored: %d events, daily %d, weekly %d",
		len(t.events), t.dailyUsed, t.weeklyUsed)
	return nil
}

// Flush writes current state if dirty. Atomic temp+rename like the task
// store.
func (t *Tracker) Flush(path string) error {
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return nil
	}
	st := persistedState{
		Version:     1,
		Events:      append([]int64(nil), t.events...),
		DailyUsed:   t.dailyUsed,
		DailyStart:  t.dailyStart,
		WeeklyUsed:  t.weeklyUsed,
		WeeklyStart: t.weeklyStart,
		Limits:      t.limits,
	}
	t.dirty = false
	t.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling rate-limit state: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating rate-limit state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing rate-limit state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing rate-limit state: %w", err)
	}
	return nil
}

// Persister flushes a tracker on a fixed cadence.
type Persister struct {
	tracker *Tracker
	path    string
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPersister builds a persister writing to path.
func NewPersister(t *Tracker, path string) *Persister {
	return &Persister{tracker: t, path: path}
}

// Start launches the flush loop.
func (p *Persister) Start() {
	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(persistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				if err := p.tracker.Flush(p.path); err != nil {
					p.tracker.log.Error("rate-limit flush failed: %v", err)
				}
			}
		}
	}()
}

// Stop halts the loop and performs a final flush.
func (p *Persister) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
	p.stopCh = nil
	if err := p.tracker.Flush(p.path); err != nil {
		p.tracker.log.Error("final rate-limit flush failed: %v", err)
	}
}
