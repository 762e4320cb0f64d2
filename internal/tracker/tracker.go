package tracker

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"tasknerd/internal/events"
	"tasknerd/internal/logging"
)

// SafetyStatus summarizes how stressed a project's sessions are.
type SafetyStatus string

const (
	SafetyOK       SafetyStatus = "OK"
	SafetyWarning  SafetyStatus = "WARNING"
	SafetyCritical SafetyStatus = "CRITICAL"
)

// Alert is one threshold crossing, delivered to subscribers in the
// tracker's own goroutine. Subscribers must not block.
type Alert struct {
	Level       Level          `json:"level"`
	Project     string         `json:"project"`
	ProjectPath string         `json:"projectPath"`
	SessionID   string         `json:"sessionId"`
	Utilization float64        `json:"utilization"`
	Metrics     events.Metrics `json:"metrics"`
}

// SessionUsage is a snapshot of one transcript's accumulated usage.
type SessionUsage struct {
	SessionID           string    `json:"sessionId"`
	Project             string    `json:"project"`
	InputTokens         int64     `json:"inputTokens"`
	OutputTokens        int64     `json:"outputTokens"`
	CacheCreationTokens int64     `json:"cacheCreationTokens"`
	CacheReadTokens     int64     `json:"cacheReadTokens"`
	MessageCount        int64     `json:"messageCount"`
	ContextPercent      float64   `json:"contextPercent"`
	LastActivity        time.Time `json:"lastActivity"`
}

// ProjectUsage aggregates a project subtree.
type ProjectUsage struct {
	Project        string       `json:"project"`
	Sessions       int          `json:"sessions"`
	InputTokens    int64        `json:"inputTokens"`
	OutputTokens   int64        `json:"outputTokens"`
	MessageCount   int64        `json:"messageCount"`
	MaxContextPct  float64      `json:"maxContextPercent"`
	SafetyStatus   SafetyStatus `json:"safetyStatus"`
	WorstSessionID string       `json:"worstSessionId,omitempty"`
}

// Snapshot is the tracker's full state for the control plane.
type Snapshot struct {
	Sessions []SessionUsage `json:"sessions"`
	Projects []ProjectUsage `json:"projects"`
	TakenAt  time.Time      `json:"takenAt"`
}

type sessionAccum struct {
	project      string
	input        int64
	output       int64
	cacheCreate  int64
	cacheRead    int64
	messages     int64
	lastActivity time.Time
	thresholds   *thresholdState
}

// Tracker watches a transcript root (one subdirectory per project, one
// JSON-lines file per session) and maintains per-session token accounting.
// It is the only reader of transcript files in the process.
type Tracker struct {
	mu           sync.Mutex
	root         string
	contextLimit int
	thresholds   Thresholds
	bus          *events.Bus
	log          *logging.Logger

	watcher  *fsnotify.Watcher
	cursors  map[string]*fileCursor   // absolute file path -> read position
	sessions map[string]*sessionAccum // session id -> accumulated usage
	subs     map[string]func(Alert)

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New builds a tracker over root. contextLimit is the model's context
// window in tokens.
func New(root string, contextLimit int, thresholds Thresholds, bus *events.Bus) *Tracker {
	if contextLimit <= 0 {
		contextLimit = 200000
	}
	return &Tracker{
		root:         root,
		contextLimit: contextLimit,
		thresholds:   thresholds,
		bus:          bus,
		log:          logging.Get(logging.CategoryTracker),
		cursors:      make(map[string]*fileCursor),
		sessions:     make(map[string]*sessionAccum),
		subs:         make(map[string]func(Alert)),
	}
}

// Start enumerates existing transcripts, recording their current sizes so
// only future growth is parsed, then begins watching. Idempotent.
func (t *Tracker) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	t.watcher = watcher

	if err := os.MkdirAll(t.root, 0755); err != nil {
		t.log.Warn("cannot create transcript root %s: %v", t.root, err)
	}
	if err := watcher.Add(t.root); err != nil {
		t.log.Warn("cannot watch transcript root %s: %v", t.root, err)
	}

	// Seed cursors at current sizes: history before startup does not count
	// toward live context budgets.
	entries, _ := os.ReadDir(t.root)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(t.root, entry.Name())
		if err := watcher.Add(dir); err != nil {
			t.log.Warn("cannot watch %s: %v", dir, err)
			continue
		}
		files, _ := os.ReadDir(dir)
		for _, f := range files {
			if f.IsDir() || !isTranscript(f.Name()) {
				continue
			}
			path := filepath.Join(dir, f.Name())
			if info, err := os.Stat(path); err == nil {
				t.mu.Lock()
				t.cursors[path] = &fileCursor{offset: info.Size()}
				t.mu.Unlock()
			}
		}
	}

	t.log.Info("Tracker watching %s (context limit %d)", t.root, t.contextLimit)
	go t.run()
	return nil
}

// Stop halts the watch loop. Idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	stop, done := t.stopCh, t.doneCh
	t.mu.Unlock()

	close(stop)
	<-done
	t.watcher.Close()
}

func (t *Tracker) run() {
	defer close(t.doneCh)
	for {
		select {
		case <-t.stopCh:
			return
		case evt, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(evt)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.log.Warn("watch error: %v", err)
		}
	}
}

func (t *Tracker) handleEvent(evt fsnotify.Event) {
	switch {
	case evt.Op.Has(fsnotify.Create):
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
			// New project directory: watch it for transcripts.
			if err := t.watcher.Add(evt.Name); err != nil {
				t.log.Warn("cannot watch new dir %s: %v", evt.Name, err)
			}
			return
		}
		if isTranscript(filepath.Base(evt.Name)) {
			t.processFile(evt.Name)
		}
	case evt.Op.Has(fsnotify.Write):
		if isTranscript(filepath.Base(evt.Name)) {
			t.processFile(evt.Name)
		}
	case evt.Op.Has(fsnotify.Remove), evt.Op.Has(fsnotify.Rename):
		t.mu.Lock()
		delete(t.cursors, evt.Name)
		t.mu.Unlock()
	}
}

// processFile reads new transcript content and credits the session. One
// file's corruption never stops the others: parse failures skip lines, IO
// failures log and return.
func (t *Tracker) processFile(path string) {
	t.mu.Lock()
	cur, ok := t.cursors[path]
	if !ok {
		cur = &fileCursor{}
		t.cursors[path] = cur
	}
	t.mu.Unlock()

	lines, err := readNewLines(path, cur)
	if err != nil {
		if !os.IsNotExist(err) {
			t.log.Warn("read %s: %v", path, err)
		}
		return
	}
	if len(lines) == 0 {
		return
	}

	sessionID := sessionIDFor(path)
	project := t.projectFor(path)

	var firing []Alert
	t.mu.Lock()
	acc, ok := t.sessions[sessionID]
	if !ok {
		acc = &sessionAccum{project: project, thresholds: newThresholdState()}
		t.sessions[sessionID] = acc
	}
	for _, line := range lines {
		usage, ok := parseUsageLine(line)
		if !ok {
			continue
		}
		acc.input += usage.InputTokens
		acc.output += usage.OutputTokens
		acc.cacheCreate += usage.CacheCreationTokens
		acc.cacheRead += usage.CacheReadTokens
		acc.messages++
		acc.lastActivity = time.Now()
	}
	percent := t.percentLocked(acc)
	for _, level := range acc.thresholds.observe(t.thresholds, percent) {
		firing = append(firing, Alert{
			Level:       level,
			Project:     project,
			ProjectPath: filepath.Dir(path),
			SessionID:   sessionID,
			Utilization: percent,
			Metrics: events.Metrics{
				InputTokens:         acc.input,
				OutputTokens:        acc.output,
				CacheCreationTokens: acc.cacheCreate,
				CacheReadTokens:     acc.cacheRead,
				MessageCount:        acc.messages,
			},
		})
	}
	subs := make([]func(Alert), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, alert := range firing {
		t.log.Warn("Context %s: session %s at %.1f%% (project %s)",
			alert.Level, alert.SessionID, alert.Utilization, alert.Project)
		for _, fn := range subs {
			fn(alert)
		}
		if t.bus != nil {
			t.bus.Publish(events.Now(events.ContextAlert, events.ContextAlertPayload{
				Level:       string(alert.Level),
				Project:     alert.Project,
				ProjectPath: alert.ProjectPath,
				SessionID:   alert.SessionID,
				Utilization: alert.Utilization,
				Metrics:     alert.Metrics,
			}))
		}
	}
}

// percentLocked computes context percent: cache tokens are tracked but
// never counted against the window.
func (t *Tracker) percentLocked(acc *sessionAccum) float64 {
	return float64(acc.input+acc.output) / float64(t.contextLimit) * 100
}

// Subscribe registers a synchronous alert callback and returns its id.
func (t *Tracker) Subscribe(fn func(Alert)) string {
	id := uuid.New().String()
	t.mu.Lock()
	t.subs[id] = fn
	t.mu.Unlock()
	return id
}

// Unsubscribe removes a callback. Unknown ids are ignored.
func (t *Tracker) Unsubscribe(id string) {
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
}

// GetSnapshot returns the full usage picture.
func (t *Tracker) GetSnapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{TakenAt: time.Now()}
	byProject := make(map[string]*ProjectUsage)
	for id, acc := range t.sessions {
		percent := t.percentLocked(acc)
		snap.Sessions = append(snap.Sessions, SessionUsage{
			SessionID:           id,
			Project:             acc.project,
			InputTokens:         acc.input,
			OutputTokens:        acc.output,
			CacheCreationTokens: acc.cacheCreate,
			CacheReadTokens:     acc.cacheRead,
			MessageCount:        acc.messages,
			ContextPercent:      percent,
			LastActivity:        acc.lastActivity,
		})

		p, ok := byProject[acc.project]
		if !ok {
			p = &ProjectUsage{Project: acc.project, SafetyStatus: SafetyOK}
			byProject[acc.project] = p
		}
		p.Sessions++
		p.InputTokens += acc.input
		p.OutputTokens += acc.output
		p.MessageCount += acc.messages
		if percent > p.MaxContextPct {
			p.MaxContextPct = percent
			p.WorstSessionID = id
		}
	}
	for _, p := range byProject {
		switch {
		case p.MaxContextPct >= t.thresholds.Critical:
			p.SafetyStatus = SafetyCritical
		case p.MaxContextPct >= t.thresholds.Warning:
			p.SafetyStatus = SafetyWarning
		}
		snap.Projects = append(snap.Projects, *p)
	}
	return snap
}

// SessionPercent returns one session's context percent, zero if unknown.
func (t *Tracker) SessionPercent(sessionID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	acc, ok := t.sessions[sessionID]
	if !ok {
		return 0
	}
	return t.percentLocked(acc)
}

// projectFor maps a transcript path to its project key: the first path
// component under the watch root.
func (t *Tracker) projectFor(path string) string {
	rel, err := filepath.Rel(t.root, path)
	if err != nil {
		return filepath.Base(filepath.Dir(path))
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) > 1 {
		return parts[0]
	}
	return ""
}

func sessionIDFor(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}

func isTranscript(name string) bool {
	return strings.HasSuffix(name, ".jsonl")
}
