package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tasknerd/internal/events"
	"tasknerd/internal/logging"
)

// cliUpgradeWindow bounds rule 3 of the dedup contract: a cli session this
// recent on the same project is assumed to be the same process announcing
// itself twice, once from a shell hook and once from the orchestrator.
const cliUpgradeWindow = 5 * time.Minute

// recentCompletionCap bounds the in-memory completion ring.
const recentCompletionCap = 100

// Registry is the process-wide session fleet. All access is serialized by
// one mutex; methods hand out copies.
type Registry struct {
	mu     sync.Mutex
	nextID int
	byID   map[int]*Session
	// byAgentID is the dedup index for external agent-session ids.
	byAgentID map[string]int
	// children reverse-indexes ParentSessionID.
	children map[int][]int

	recentCompletions []Completion
	dailyCompletions  map[string]int // project -> count for today
	dailyStamp        string         // date the counters belong to

	bus *events.Bus
	log *logging.Logger
}

// New returns an empty registry publishing on bus.
func New(bus *events.Bus) *Registry {
	return &Registry{
		nextID:           1,
		byID:             make(map[int]*Session),
		byAgentID:        make(map[string]int),
		children:         make(map[int][]int),
		dailyCompletions: make(map[string]int),
		dailyStamp:       time.Now().Format("2006-01-02"),
		bus:              bus,
		log:              logging.Get(logging.CategoryRegistry),
	}
}

// Register adds a session, applying the dedup contract in order:
//  1. A matching agentSessionId merges into the existing session; the type
//     may upgrade cli->autonomous but never downgrade.
//  2. An autonomous registration without an agentSessionId force-ends stale
//     non-ended autonomous sessions on the same project path.
//  3. A recent non-ended cli session on the same path is upgraded in place
//     instead of creating a new row.
func (r *Registry) Register(req RegisterRequest) (*Session, error) {
	if req.SessionType == "" {
		req.SessionType = TypeCLI
	}
	if req.SessionType != TypeCLI && req.SessionType != TypeAutonomous {
		return nil, fmt.Errorf("unknown session type %q", req.SessionType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()

	// Rule 1: same external agent-session id is the same session.
	if req.AgentSessionID != "" {
		if id, ok := r.byAgentID[req.AgentSessionID]; ok {
			s := r.byID[id]
			r.mergeLocked(s, req, now)
			r.log.Info("Session %d deduplicated by agent id %s", s.ID, req.AgentSessionID)
			r.publishLocked(events.SessionUpdated, s)
			return copySession(s), nil
		}
	}

	if req.SessionType == TypeAutonomous && req.AgentSessionID == "" {
		// Rule 2: stale autonomous sessions on this path are artefacts of a
		// crashed orchestrator.
		for _, s := range r.byID {
			if s.SessionType == TypeAutonomous && s.ProjectPath == req.ProjectPath && s.Status != StatusEnded {
				r.endLocked(s, now)
				r.log.Warn("Session %d force-ended: stale autonomous on %s", s.ID, req.ProjectPath)
			}
		}
		// Rule 3: upgrade a freshly started cli session in place.
		if s := r.recentCLILocked(req.ProjectPath, now); s != nil {
			s.SessionType = TypeAutonomous
			r.mergeLocked(s, req, now)
			r.log.Info("Session %d upgraded cli -> autonomous on %s", s.ID, req.ProjectPath)
			r.publishLocked(events.SessionUpdated, s)
			return copySession(s), nil
		}
	}

	s := &Session{
		ID:              r.nextID,
		Project:         req.Project,
		ProjectPath:     req.ProjectPath,
		Status:          StatusActive,
		SessionType:     req.SessionType,
		OrchestratorID:  req.OrchestratorID,
		AgentSessionID:  req.AgentSessionID,
		ParentSessionID: req.ParentSessionID,
		CurrentTask:     req.CurrentTask,
		StartTime:       now,
		LastUpdate:      now,
	}
	r.nextID++
	r.byID[s.ID] = s
	if s.AgentSessionID != "" {
		r.byAgentID[s.AgentSessionID] = s.ID
	}
	if s.ParentSessionID != 0 {
		r.children[s.ParentSessionID] = append(r.children[s.ParentSessionID], s.ID)
	}

	r.log.Info("Session %d registered: %s type=%s project=%s", s.ID, s.Status, s.SessionType, s.Project)
	r.publishLocked(events.SessionStarted, s)
	return copySession(s), nil
}

// mergeLocked folds a registration into an existing session. Type upgrades
// only; empty request fields keep existing values.
func (r *Registry) mergeLocked(s *Session, req RegisterRequest, now time.Time) {
	if req.SessionType == TypeAutonomous {
		s.SessionType = TypeAutonomous
	}
	if req.Project != "" {
		s.Project = req.Project
	}
	if req.ProjectPath != "" {
		s.ProjectPath = req.ProjectPath
	}
	if req.OrchestratorID != "" {
		s.OrchestratorID = req.OrchestratorID
	}
	if req.AgentSessionID != "" && s.AgentSessionID == "" {
		s.AgentSessionID = req.AgentSessionID
		r.byAgentID[req.AgentSessionID] = s.ID
	}
	if req.CurrentTask != "" {
		s.CurrentTask = req.CurrentTask
	}
	if s.Status == StatusEnded {
		s.Status = StatusActive
		s.EndTime = nil
	}
	s.LastUpdate = now
}

func (r *Registry) recentCLILocked(projectPath string, now time.Time) *Session {
	var best *Session
	for _, s := range r.byID {
		if s.SessionType != TypeCLI || s.ProjectPath != projectPath || s.Status == StatusEnded {
			continue
		}
		if now.Sub(s.StartTime) > cliUpgradeWindow {
			continue
		}
		if best == nil || s.StartTime.After(best.StartTime) {
			best = s
		}
	}
	return best
}

// Update applies a partial update and refreshes the idle clock.
func (r *Registry) Update(id int, req UpdateRequest) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if req.Status != nil {
		s.Status = *req.Status
		if *req.Status == StatusEnded && s.EndTime == nil {
			end := time.Now()
			s.EndTime = &end
		}
	}
	if req.Metrics != nil {
		s.Metrics = *req.Metrics
		if s.Metrics.TotalTokens == 0 {
			s.Metrics.TotalTokens = s.Metrics.InputTokens + s.Metrics.OutputTokens
		}
	}
	if req.CurrentTask != nil {
		s.CurrentTask = *req.CurrentTask
	}
	if req.QueuedTasks != nil {
		s.QueuedTasks = append([]string(nil), req.QueuedTasks...)
	}
	if req.SkippedTasks != nil {
		s.SkippedTasks = append([]string(nil), req.SkippedTasks...)
	}
	if req.SessionType == TypeAutonomous {
		s.SessionType = TypeAutonomous
	}
	s.LastUpdate = time.Now()

	r.publishLocked(events.SessionUpdated, s)
	return copySession(s), nil
}

// SetStatus is a convenience wrapper for the pause/resume/end endpoints.
func (r *Registry) SetStatus(id int, status Status) (*Session, error) {
	return r.Update(id, UpdateRequest{Status: &status})
}

// End marks a session ended.
func (r *Registry) End(id int) (*Session, error) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	r.endLocked(s, time.Now())
	out := copySession(s)
	r.mu.Unlock()
	return out, nil
}

// EndByAgentSessionID ends the session registered under an external agent
// session id.
func (r *Registry) EndByAgentSessionID(agentID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAgentID[agentID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s := r.byID[id]
	r.endLocked(s, time.Now())
	return copySession(s), nil
}

func (r *Registry) endLocked(s *Session, now time.Time) {
	if s.Status == StatusEnded {
		return
	}
	s.Status = StatusEnded
	s.LastUpdate = now
	end := now
	s.EndTime = &end
	r.publishLocked(events.SessionCompleted, s)
}

// Get returns a copy of one session.
func (r *Registry) Get(id int) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(s), nil
}

// LiveSessionIDs returns the ids of all non-ended sessions, for the claim
// coordinator's orphan sweep.
func (r *Registry) LiveSessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, s := range r.byID {
		if s.Status != StatusEnded {
			out = append(out, fmt.Sprintf("%d", id))
		}
	}
	return out
}

// GetSummary rolls the fleet up for the control plane.
func (r *Registry) GetSummary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summaryLocked()
}

func (r *Registry) summaryLocked() Summary {
	sum := Summary{
		Total:       len(r.byID),
		ByStatus:    make(map[string]int),
		ByType:      make(map[string]int),
		ByProject:   make(map[string]int),
		GeneratedAt: time.Now(),
	}
	for _, s := range r.byID {
		sum.ByStatus[string(s.Status)]++
		sum.ByType[string(s.SessionType)]++
		sum.ByProject[s.Project]++
		sum.Sessions = append(sum.Sessions, copySession(s))
	}
	sort.Slice(sum.Sessions, func(i, j int) bool { return sum.Sessions[i].ID < sum.Sessions[j].ID })
	return sum
}

// GetSummaryWithHierarchy adds delegation figures derived from the
// parent/child index.
func (r *Registry) GetSummaryWithHierarchy() HierarchySummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := HierarchySummary{Summary: r.summaryLocked()}
	for _, s := range r.byID {
		out.ActiveDelegationCount += len(s.ActiveDelegations)
	}
	for id, s := range r.byID {
		if s.ParentSessionID != 0 {
			continue // depth measured from roots
		}
		if d := r.depthLocked(id, 0); d > out.MaxDelegationDepth {
			out.MaxDelegationDepth = d
		}
	}
	return out
}

func (r *Registry) depthLocked(id, depth int) int {
	max := depth
	for _, child := range r.children[id] {
		if d := r.depthLocked(child, depth+1); d > max {
			max = d
		}
	}
	return max
}

// Children returns the ids of a session's direct children.
func (r *Registry) Children(id int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.children[id]...)
}

// StartDelegation records that a session handed work to a child agent.
func (r *Registry) StartDelegation(id int, targetAgentID, taskID string, metadata map[string]string) (Delegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return Delegation{}, ErrSessionNotFound
	}
	d := Delegation{
		DelegationID:  uuid.New().String(),
		TargetAgentID: targetAgentID,
		TaskID:        taskID,
		Metadata:      metadata,
		Status:        DelegationActive,
		CreatedAt:     time.Now(),
	}
	s.ActiveDelegations = append(s.ActiveDelegations, d)
	s.LastUpdate = d.CreatedAt

	r.publishDelegationLocked(events.DelegationStarted, s, d)
	return d, nil
}

// CompleteDelegation resolves an active delegation. failed selects between
// the completed and failed outcomes.
func (r *Registry) CompleteDelegation(id int, delegationID, result string, failed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return ErrSessionNotFound
	}
	for i, d := range s.ActiveDelegations {
		if d.DelegationID != delegationID {
			continue
		}
		now := time.Now()
		d.CompletedAt = &now
		d.Result = result
		d.Status = DelegationCompleted
		kind := events.DelegationCompleted
		if failed {
			d.Status = DelegationFailed
			kind = events.DelegationFailed
		}
		s.ActiveDelegations = append(s.ActiveDelegations[:i], s.ActiveDelegations[i+1:]...)
		s.CompletedDelegations = append(s.CompletedDelegations, d)
		s.LastUpdate = now
		r.publishDelegationLocked(kind, s, d)
		return nil
	}
	return fmt.Errorf("delegation %q not active on session %d", delegationID, id)
}

// RecordCompletion appends to the bounded completion ring and bumps the
// project's daily counter, rolling the counters at the date boundary.
func (r *Registry) RecordCompletion(project, taskID string, score int, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	today := now.Format("2006-01-02")
	if today != r.dailyStamp {
		r.dailyCompletions = make(map[string]int)
		r.dailyStamp = today
	}
	r.dailyCompletions[project]++

	r.recentCompletions = append(r.recentCompletions, Completion{
		Project: project, TaskID: taskID, Score: score, Cost: cost, CompletedAt: now,
	})
	if len(r.recentCompletions) > recentCompletionCap {
		r.recentCompletions = r.recentCompletions[len(r.recentCompletions)-recentCompletionCap:]
	}
}

// RecentCompletions returns the ring, newest last.
func (r *Registry) RecentCompletions() []Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Completion(nil), r.recentCompletions...)
}

// DailyCompletions returns today's per-project completion counts.
func (r *Registry) DailyCompletions() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.dailyCompletions))
	for k, v := range r.dailyCompletions {
		out[k] = v
	}
	return out
}

// ReapIdle ends every non-ended session whose last update is older than the
// horizon. Returns the number reaped.
func (r *Registry) ReapIdle(horizon time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-horizon)
	var reaped int
	for _, s := range r.byID {
		if s.Status == StatusEnded || s.LastUpdate.After(cutoff) {
			continue
		}
		r.endLocked(s, time.Now())
		r.log.Warn("Session %d reaped: idle since %s", s.ID, s.LastUpdate.Format(time.RFC3339))
		reaped++
	}
	return reaped
}

func (r *Registry) publishLocked(kind events.Kind, s *Session) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Now(kind, events.SessionPayload{
		SessionID:   s.ID,
		Project:     s.Project,
		ProjectPath: s.ProjectPath,
		Status:      string(s.Status),
		SessionType: string(s.SessionType),
		TaskID:      s.CurrentTask,
	}))
}

func (r *Registry) publishDelegationLocked(kind events.Kind, s *Session, d Delegation) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Now(kind, events.SessionPayload{
		SessionID:    s.ID,
		Project:      s.Project,
		ProjectPath:  s.ProjectPath,
		TaskID:       d.TaskID,
		DelegationID: d.DelegationID,
	}))
}

func copySession(s *Session) *Session {
	out := *s
	out.QueuedTasks = append([]string(nil), s.QueuedTasks...)
	out.SkippedTasks = append([]string(nil), s.SkippedTasks...)
	out.ActiveDelegations = append([]Delegation(nil), s.ActiveDelegations...)
	out.CompletedDelegations = append([]Delegation(nil), s.CompletedDelegations...)
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	return &out
}
