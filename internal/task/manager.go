package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tasknerd/internal/events"
	"tasknerd/internal/logging"
	"tasknerd/internal/quality"
)

// Manager is the single writer for one task store. All mutations are
// serialized under one mutex, persisted atomically, and announced on the
// event bus. Reads hand out deep copies so callers can never alias store
// state.
type Manager struct {
	mu          sync.Mutex
	path        string
	projectPath string
	lock        *FileLock
	bus         *events.Bus
	doc         document
	log         *logging.Logger
}

// Open loads (or creates) the store at path and takes the advisory lock
// next to it. A second orchestrator on the same store fails fast with
// ErrStoreLocked. Corrupt content fails with CorruptStoreError.
func Open(path, projectPath string, bus *events.Bus) (*Manager, error) {
	lock, err := AcquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}

	doc, err := loadDocument(path)
	if err != nil {
		lock.Release()
		return nil, err
	}

	m := &Manager{
		path:        path,
		projectPath: projectPath,
		lock:        lock,
		bus:         bus,
		doc:         doc,
		log:         logging.Get(logging.CategoryTask),
	}
	m.log.Info("Task store opened: %s (%d tasks)", path, len(doc.Tasks))
	return m, nil
}

// Close releases the advisory lock. The document is already on disk; every
// mutation persists before returning.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lock.Release()
}

// Path returns the store file location.
func (m *Manager) Path() string { return m.path }

// CreateTask validates the spec, assigns an id when absent, places the task
// in its backlog tier, and persists. Requires cycles and dangling dependency
// references are rejected with no state change.
func (m *Manager) CreateTask(spec Spec) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	phase, err := quality.CanonicalPhase(spec.Phase)
	if err != nil {
		return nil, &ValidationError{Field: "phase", Reason: err.Error()}
	}
	if spec.Title == "" {
		return nil, &ValidationError{Field: "title", Reason: "required"}
	}
	if spec.Priority == "" {
		spec.Priority = PriorityMedium
	}
	if !spec.Priority.valid() {
		return nil, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", spec.Priority)}
	}
	if spec.Backlog == "" {
		spec.Backlog = TierNext
	}
	if !spec.Backlog.valid() {
		return nil, &ValidationError{Field: "backlog", Reason: fmt.Sprintf("unknown tier %q", spec.Backlog)}
	}

	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := m.doc.Tasks[id]; exists {
		return nil, &ValidationError{Field: "id", Reason: fmt.Sprintf("task %q already exists", id)}
	}
	for _, ref := range append(append(append([]string{}, spec.Dependencies.Requires...),
		spec.Dependencies.Blocks...), spec.Dependencies.Related...) {
		if _, ok := m.doc.Tasks[ref]; !ok {
			return nil, &ValidationError{Field: "dependencies", Reason: fmt.Sprintf("unknown task %q", ref)}
		}
	}
	if chain := m.findRequiresCycle(id, spec.Dependencies.Requires); chain != nil {
		return nil, &CycleError{Chain: chain}
	}

	now := time.Now()
	t := &Task{
		ID:                 id,
		Title:              spec.Title,
		Description:        spec.Description,
		Phase:              phase,
		Priority:           spec.Priority,
		EstimatedEffort:    spec.EstimatedEffort,
		Tags:               append([]string(nil), spec.Tags...),
		Status:             StatusReady,
		AcceptanceCriteria: append([]string(nil), spec.AcceptanceCriteria...),
		Dependencies:       spec.Dependencies,
		Created:            now,
		Updated:            now,
	}
	if !m.requiresSatisfied(t) {
		t.Status = StatusBlocked
	}

	m.doc.Tasks[id] = t
	tier := m.doc.Backlog.tier(spec.Backlog)
	*tier = append(*tier, id)

	if err := saveDocument(m.path, m.doc); err != nil {
		delete(m.doc.Tasks, id)
		m.doc.Backlog.remove(id)
		return nil, err
	}

	m.log.Info("Task created: %s %q phase=%s tier=%s status=%s", id, t.Title, t.Phase, spec.Backlog, t.Status)
	m.publish(events.TaskCreated, events.TaskPayload{
		TaskID: id, Title: t.Title, Status: string(t.Status), Tier: string(spec.Backlog), ProjectPath: m.projectPath,
	})
	return cloneTask(t), nil
}

// GetTask returns a copy of one task.
func (m *Manager) GetTask(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.doc.Tasks[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return cloneTask(t), nil
}

// ListTasks returns copies of all tasks, ordered by creation time.
func (m *Manager) ListTasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.doc.Tasks))
	for _, t := range m.doc.Tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// UpdateStatus applies a status transition. Completing a task records its
// metadata, removes it from the backlog, and auto-unblocks dependents whose
// remaining requirements are all completed. Starting a task stamps Started.
func (m *Manager) UpdateStatus(id string, status Status, meta *CompletionMeta) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !status.valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	t, ok := m.doc.Tasks[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}

	// Snapshot everything the transition can touch so a failed write rolls
	// the whole mutation back, not just the status.
	prev := t.Status
	prevTier := m.doc.Backlog.tierOf(id)
	prevSnap := cloneTask(t)
	prevBacklog := m.doc.Backlog.clone()
	prevBlockedUpdated := make(map[string]time.Time)
	for bid, bt := range m.doc.Tasks {
		if bt.Status == StatusBlocked {
			prevBlockedUpdated[bid] = bt.Updated
		}
	}

	now := time.Now()
	t.Status = status
	t.Updated = now

	var unblocked []string
	switch status {
	case StatusInProgress:
		if t.Started == nil {
			started := now
			t.Started = &started
		}
	case StatusCompleted:
		completed := now
		t.Completed = &completed
		if meta != nil {
			metaCopy := *meta
			t.Completion = &metaCopy
		}
		if t.Completion != nil && t.Completion.ActualDuration == "" && t.Started != nil {
			t.Completion.ActualDuration = completed.Sub(*t.Started).Round(time.Second).String()
		}
		m.doc.Backlog.remove(id)
		unblocked = m.unblockDependents(id, now)
	}

	if err := saveDocument(m.path, m.doc); err != nil {
		*t = *prevSnap
		m.doc.Backlog = prevBacklog
		for _, dep := range unblocked {
			if d, ok := m.doc.Tasks[dep]; ok {
				d.Status = StatusBlocked
				d.Updated = prevBlockedUpdated[dep]
			}
		}
		return nil, err
	}

	m.log.Info("Task %s: %s -> %s", id, prev, status)
	m.publish(events.TaskStatusChanged, events.TaskPayload{
		TaskID: id, Title: t.Title, Status: string(status), PrevStatus: string(prev), ProjectPath: m.projectPath,
	})
	if status == StatusCompleted {
		m.publish(events.TaskCompleted, events.TaskPayload{
			TaskID: id, Title: t.Title, Status: string(status), Tier: string(prevTier), ProjectPath: m.projectPath,
		})
		for _, dep := range unblocked {
			m.log.Info("Task %s unblocked by %s", dep, id)
			m.publish(events.TaskUnblocked, events.TaskPayload{
				TaskID: dep, Status: string(StatusReady), UnblockedBy: id, ProjectPath: m.projectPath,
			})
		}
	}
	return cloneTask(t), nil
}

// unblockDependents flips blocked dependents of completedID to ready when
// all their requirements are now completed. Caller holds the lock and
// persists afterwards.
func (m *Manager) unblockDependents(completedID string, now time.Time) []string {
	var unblocked []string
	for _, t := range m.doc.Tasks {
		if t.Status != StatusBlocked {
			continue
		}
		requires := t.Dependencies.Requires
		if !contains(requires, completedID) {
			continue
		}
		if m.requiresSatisfied(t) {
			t.Status = StatusReady
			t.Updated = now
			unblocked = append(unblocked, t.ID)
		}
	}
	sort.Strings(unblocked)
	return unblocked
}

func (m *Manager) requiresSatisfied(t *Task) bool {
	for _, req := range t.Dependencies.Requires {
		dep, ok := m.doc.Tasks[req]
		if !ok || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// GetReadyTasks returns ready tasks matching the filter, highest score
// first, ties broken by older creation time.
func (m *Manager) GetReadyTasks(f Filter) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyTasksLocked(f)
}

func (m *Manager) readyTasksLocked(f Filter) ([]*Task, error) {
	var phase quality.Phase
	if f.Phase != "" {
		p, err := quality.CanonicalPhase(f.Phase)
		if err != nil {
			return nil, &ValidationError{Field: "phase", Reason: err.Error()}
		}
		phase = p
	}

	history := m.historyLocked()
	var out []*Task
	for _, t := range m.doc.Tasks {
		if t.Status != StatusReady {
			continue
		}
		if phase != "" && t.Phase != phase {
			continue
		}
		if f.Backlog != "" && m.doc.Backlog.tierOf(t.ID) != f.Backlog {
			continue
		}
		if f.Priority != "" && t.Priority != f.Priority {
			continue
		}
		if !hasAllTags(t.Tags, f.Tags) {
			continue
		}
		out = append(out, cloneTask(t))
	}

	sort.Slice(out, func(i, j int) bool {
		si := Score(out[i], phase, history)
		sj := Score(out[j], phase, history)
		if si != sj {
			return si > sj
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

// GetNextTask returns the best ready task in the now tier for the phase. An
// empty now tier promotes the single highest-scoring ready task from next
// (emitting task:promoted) and retries once; later and someday never
// auto-promote. Returns nil with no error when nothing is eligible.
func (m *Manager) GetNextTask(phaseName string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ready, err := m.readyTasksLocked(Filter{Phase: phaseName, Backlog: TierNow})
	if err != nil {
		return nil, err
	}
	if len(ready) > 0 {
		return ready[0], nil
	}

	candidates, err := m.readyTasksLocked(Filter{Phase: phaseName, Backlog: TierNext})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	promoted := candidates[0]
	m.doc.Backlog.remove(promoted.ID)
	m.doc.Backlog.Now = append([]string{promoted.ID}, m.doc.Backlog.Now...)
	if err := saveDocument(m.path, m.doc); err != nil {
		return nil, err
	}
	m.log.Info("Task %s promoted next -> now", promoted.ID)
	m.publish(events.TaskPromoted, events.TaskPayload{
		TaskID: promoted.ID, Title: promoted.Title, Tier: string(TierNow), FromTier: string(TierNext), ProjectPath: m.projectPath,
	})

	ready, err = m.readyTasksLocked(Filter{Phase: phaseName, Backlog: TierNow})
	if err != nil || len(ready) == 0 {
		return nil, err
	}
	return ready[0], nil
}

// MoveToBacklog relocates a task to the target tier, appending at the end.
func (m *Manager) MoveToBacklog(id string, tier Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !tier.valid() {
		return &ValidationError{Field: "backlog", Reason: fmt.Sprintf("unknown tier %q", tier)}
	}
	t, ok := m.doc.Tasks[id]
	if !ok {
		return &NotFoundError{ID: id}
	}

	from := m.doc.Backlog.tierOf(id)
	if from == tier {
		return nil
	}
	m.doc.Backlog.remove(id)
	arr := m.doc.Backlog.tier(tier)
	*arr = append(*arr, id)
	t.Updated = time.Now()

	if err := saveDocument(m.path, m.doc); err != nil {
		return err
	}
	m.publish(events.TaskMoved, events.TaskPayload{
		TaskID: id, Title: t.Title, Tier: string(tier), FromTier: string(from), ProjectPath: m.projectPath,
	})
	return nil
}

// DeleteTask removes a task and scrubs it from every tier. Tasks that other
// tasks still require cannot be deleted.
func (m *Manager) DeleteTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.doc.Tasks[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	for _, other := range m.doc.Tasks {
		if other.ID != id && contains(other.Dependencies.Requires, id) && other.Status != StatusCompleted {
			return &ValidationError{Field: "id", Reason: fmt.Sprintf("task %q is required by %q", id, other.ID)}
		}
	}

	prevBacklog := m.doc.Backlog.clone()
	delete(m.doc.Tasks, id)
	m.doc.Backlog.remove(id)
	if err := saveDocument(m.path, m.doc); err != nil {
		m.doc.Tasks[id] = t
		m.doc.Backlog = prevBacklog
		return err
	}
	m.publish(events.TaskDeleted, events.TaskPayload{TaskID: id, Title: t.Title, ProjectPath: m.projectPath})
	return nil
}

// GetBlockedTasks returns copies of all blocked tasks, oldest first.
func (m *Manager) GetBlockedTasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.doc.Tasks {
		if t.Status == StatusBlocked {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// GetDependencyGraph returns the transitive closure of each relation kind
// from id, computed by BFS, excluding id itself.
func (m *Manager) GetDependencyGraph(id string) (*Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.doc.Tasks[id]; !ok {
		return nil, &NotFoundError{ID: id}
	}
	return &Graph{
		Requires: m.closure(id, func(t *Task) []string { return t.Dependencies.Requires }),
		Blocks:   m.closure(id, func(t *Task) []string { return t.Dependencies.Blocks }),
		Related:  m.closure(id, func(t *Task) []string { return t.Dependencies.Related }),
	}, nil
}

func (m *Manager) closure(start string, edges func(*Task) []string) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		t, ok := m.doc.Tasks[cur]
		if !ok {
			continue
		}
		for _, next := range edges(t) {
			if seen[next] {
				continue
			}
			seen[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

// GetStats summarizes the store, including average completion duration per
// phase in milliseconds for claim TTL sizing.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Total:              len(m.doc.Tasks),
		ByStatus:           make(map[string]int),
		ByPhase:            make(map[string]int),
		ByTier:             make(map[string]int),
		AvgDurationByPhase: make(map[string]int64),
	}
	durTotals := make(map[string]time.Duration)
	durCounts := make(map[string]int)

	for _, t := range m.doc.Tasks {
		stats.ByStatus[string(t.Status)]++
		stats.ByPhase[string(t.Phase)]++
		if t.Status == StatusCompleted {
			if t.Completion != nil && t.Completion.QualityScore > 0 {
				stats.CompletedWithScores++
			}
			if t.Started != nil && t.Completed != nil {
				durTotals[string(t.Phase)] += t.Completed.Sub(*t.Started)
				durCounts[string(t.Phase)]++
			}
		}
	}
	for _, tier := range Tiers() {
		stats.ByTier[string(tier)] = len(*m.doc.Backlog.tier(tier))
	}
	for phase, total := range durTotals {
		stats.AvgDurationByPhase[phase] = total.Milliseconds() / int64(durCounts[phase])
	}
	return stats
}

// historyLocked snapshots terminal outcomes for the scoring history term.
func (m *Manager) historyLocked() []historyEntry {
	var out []historyEntry
	for _, t := range m.doc.Tasks {
		switch t.Status {
		case StatusCompleted:
			out = append(out, historyEntry{tags: t.Tags, succeeded: true})
		case StatusAbandoned:
			out = append(out, historyEntry{tags: t.Tags, succeeded: false})
		}
	}
	return out
}

// findRequiresCycle walks the requires graph from the would-be task and
// returns the offending chain if it can reach itself. Caller holds the lock.
func (m *Manager) findRequiresCycle(id string, requires []string) []string {
	var walk func(cur string, path []string) []string
	walk = func(cur string, path []string) []string {
		var edges []string
		if cur == id {
			edges = requires
		} else if t, ok := m.doc.Tasks[cur]; ok {
			edges = t.Dependencies.Requires
		}
		for _, next := range edges {
			if next == id {
				return append(path, next)
			}
			if contains(path, next) {
				continue
			}
			if chain := walk(next, append(path, next)); chain != nil {
				return chain
			}
		}
		return nil
	}
	return walk(id, []string{id})
}

func (m *Manager) publish(kind events.Kind, payload interface{}) {
	if m.bus != nil {
		m.bus.Publish(events.Now(kind, payload))
	}
}

func contains(list []string, s string) bool {
	for _, cur := range list {
		if cur == s {
			return true
		}
	}
	return false
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		if !contains(have, w) {
			return false
		}
	}
	return true
}
