package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"tasknerd/internal/claims"
	"tasknerd/internal/config"
	"tasknerd/internal/events"
	"tasknerd/internal/logging"
	"tasknerd/internal/quality"
	"tasknerd/internal/ratelimit"
	"tasknerd/internal/registry"
	"tasknerd/internal/task"
)

// fallbackTaskID names the synthetic task used when no store exists and the
// operator supplied a task description on the command line.
const fallbackTaskID = "adhoc-task"

// defaultPhaseDuration seeds the claim TTL before the store has completion
// history for a phase.
const defaultPhaseDuration = 30 * time.Minute

// maxConsecutiveErrors aborts the loop when spawns keep failing: a broken
// agent binary would otherwise burn the session budget doing nothing.
const maxConsecutiveErrors = 3

// Deps are the shared subsystems the orchestrator drives. Manager may be nil
// when the project has no task store; the loop then runs on the fallback
// task alone.
type Deps struct {
	Manager     *task.Manager
	Registry    *registry.Registry
	Coordinator *claims.Coordinator
	Rates       *ratelimit.Tracker
	Bus         *events.Bus
	Runner      sessionRunner
}

// Orchestrator runs the outer session loop for one project.
type Orchestrator struct {
	cfg   *config.Config
	paths config.Paths
	deps  Deps
	log   *logging.Logger

	mu           sync.Mutex
	state        *State
	fallbackDone bool
}

// New builds an orchestrator. The starting phase comes from config and must
// already be validated.
func New(cfg *config.Config, paths config.Paths, deps Deps) (*Orchestrator, error) {
	phase, err := quality.CanonicalPhase(cfg.Orchestrator.Phase)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:   cfg,
		paths: paths,
		deps:  deps,
		log:   logging.Get(logging.CategoryOrchestrator),
		state: newState(phase),
	}, nil
}

// ExecutionState returns a copy of the loop state for the control plane.
func (o *Orchestrator) ExecutionState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.snapshot()
}

// SetPhase overrides the current phase, for the control plane's execution
// endpoint. The iteration counter restarts.
func (o *Orchestrator) SetPhase(name string) error {
	phase, err := quality.CanonicalPhase(name)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.CurrentPhase = phase
	o.state.PhaseIteration = 0
	return nil
}

// Run executes sessions until the session budget is exhausted, no work
// remains, errors pile up, or ctx is cancelled. Returns nil on a clean stop.
func (o *Orchestrator) Run(ctx context.Context) error {
	var prevEval *quality.Evaluation
	prevEvalTask := ""
	errStreak := 0
	idlePhases := 0

	for {
		if ctx.Err() != nil {
			o.log.Info("Shutdown requested, stopping loop after %d sessions", o.stateCopy().TotalSessions)
			return nil
		}

		st := o.stateCopy()
		if max := o.cfg.Orchestrator.MaxSessions; max > 0 && st.TotalSessions >= max {
			o.log.Info("Session budget reached (%d), stopping", max)
			return nil
		}

		t, fromStore, err := o.selectTask(st)
		if err != nil {
			return err
		}
		if t == nil {
			if o.deps.Manager == nil {
				o.log.Info("No work remains, stopping after %d sessions", st.TotalSessions)
				return nil
			}
			// The current phase is dry but a ready task may be tagged for a
			// later phase. Scan the whole cycle before giving up.
			idlePhases++
			if idlePhases >= len(quality.Phases()) {
				o.log.Info("No ready tasks in any phase, stopping after %d sessions", st.TotalSessions)
				return nil
			}
			o.rotatePhase()
			continue
		}
		idlePhases = 0

		// A previous evaluation only makes sense for the task it scored.
		if t.ID != prevEvalTask {
			prevEval = nil
		}

		sessionNum := st.TotalSessions + 1
		iteration := st.TaskIterations[t.ID] + 1

		sess, err := o.deps.Registry.Register(registry.RegisterRequest{
			Project:     config.TranscriptDirName(o.paths.Root),
			ProjectPath: o.paths.Root,
			SessionType: registry.TypeAutonomous,
			CurrentTask: t.ID,
		})
		if err != nil {
			return fmt.Errorf("registering session: %w", err)
		}
		claimOwner := strconv.Itoa(sess.ID)

		if fromStore {
			if _, err := o.deps.Coordinator.Claim(t.ID, claimOwner, claims.Options{
				TTL:       o.claimTTL(st.CurrentPhase),
				AgentType: string(registry.TypeAutonomous),
			}); err != nil {
				if errors.Is(err, claims.ErrTaskAlreadyClaimed) {
					o.log.Warn("Task %s already claimed elsewhere, skipping this cycle", t.ID)
					o.deps.Registry.End(sess.ID)
					if err := o.pause(ctx); err != nil {
						return nil
					}
					continue
				}
				o.deps.Registry.End(sess.ID)
				return fmt.Errorf("claiming task %s: %w", t.ID, err)
			}
			if t.Status != task.StatusInProgress {
				if _, err := o.deps.Manager.UpdateStatus(t.ID, task.StatusInProgress, nil); err != nil {
					o.log.Warn("Could not mark %s in progress: %v", t.ID, err)
				}
			}
		}

		clearArtifacts(o.paths.CompletionFile(), o.paths.ScoresFile())

		rubric, err := quality.ScoringRubric(string(st.CurrentPhase))
		if err != nil {
			o.release(fromStore, t.ID, claimOwner, "rubric failure")
			o.deps.Registry.End(sess.ID)
			return err
		}
		prompt := buildPrompt(t, rubric, iteration, prevEval)

		o.log.Info("Session %d: task %s, phase %s, iteration %d", sessionNum, t.ID, st.CurrentPhase, iteration)
		o.deps.Rates.RecordMessage()

		result := o.deps.Runner.RunSession(ctx, sessionNum, prompt)

		o.mu.Lock()
		o.state.TotalSessions++
		o.state.CurrentTaskID = t.ID
		o.mu.Unlock()

		o.release(fromStore, t.ID, claimOwner, "session ended")
		o.deps.Registry.End(sess.ID)

		switch result.Reason {
		case ExitThreshold:
			// The session was cut short by the context budget, not by poor
			// work. The same task resumes and the iteration is not charged.
			errStreak = 0
			o.mu.Lock()
			o.state.ContinueWithCurrentTask = true
			o.mu.Unlock()

		case ExitShutdown:
			// The loop head sees the cancelled context and returns; the task
			// stays in_progress for the next run to resume.
			errStreak = 0

		case ExitError:
			errStreak++
			o.log.Error("Session %d failed (streak %d): %v", sessionNum, errStreak, result.Err)
			if errStreak >= maxConsecutiveErrors {
				return fmt.Errorf("aborting after %d consecutive session failures: %w", errStreak, result.Err)
			}

		case ExitComplete:
			errStreak = 0
			prevEval = o.judge(t, fromStore, iteration)
			prevEvalTask = t.ID
		}

		if err := o.pause(ctx); err != nil {
			return nil
		}
	}
}

// judge reads the artifact pair left by a cleanly exited session and decides
// whether to iterate, advance the phase, or complete the task. Returns the
// evaluation to feed into the next prompt, or nil when the slate is clean.
func (o *Orchestrator) judge(t *task.Task, fromStore bool, iteration int) *quality.Evaluation {
	st := o.stateCopy()
	verdict := readCompletion(o.paths.CompletionFile(), t)
	report := readScores(o.paths.ScoresFile())
	eval, err := quality.EvaluatePhase(string(st.CurrentPhase), report)
	if err != nil {
		// CurrentPhase is always canonical, so this cannot happen; treat it
		// as a failed iteration if it somehow does.
		o.log.Error("Evaluating phase %s: %v", st.CurrentPhase, err)
		eval = quality.Evaluation{Phase: st.CurrentPhase, Reason: err.Error()}
	}

	o.mu.Lock()
	o.state.PhaseIteration++
	o.state.TaskIterations[t.ID] = iteration
	o.state.PhaseScores[st.CurrentPhase] = eval.Score
	o.mu.Unlock()

	passed := eval.Passed && verdict.Complete
	if !passed {
		reason := eval.Reason
		if eval.Passed {
			reason = verdict.Reason
		}
		o.log.Info("Task %s phase %s iteration %d did not pass: %s", t.ID, st.CurrentPhase, iteration, reason)

		if o.stateCopy().PhaseIteration >= o.cfg.Orchestrator.MaxIterationsPerPhase {
			o.log.Warn("Task %s stuck at phase %s after %d iterations, advancing anyway",
				t.ID, st.CurrentPhase, o.cfg.Orchestrator.MaxIterationsPerPhase)
			o.advancePhase(t, st.CurrentPhase, fromStore, eval.Score, true)
			return nil
		}
		o.mu.Lock()
		o.state.ContinueWithCurrentTask = true
		o.mu.Unlock()
		return &eval
	}

	o.log.Info("Task %s passed phase %s with score %d", t.ID, st.CurrentPhase, eval.Score)
	o.advancePhase(t, st.CurrentPhase, fromStore, eval.Score, false)
	return nil
}

// advancePhase moves the lifecycle forward after a phase concludes. A
// non-terminal phase keeps the same task; passing the final phase completes
// the task and rewinds to the configured starting phase for the next one. A
// forced advance out of the final phase never completes the task: it stays
// in_progress so an operator can see it ran out of iterations without
// passing.
func (o *Orchestrator) advancePhase(t *task.Task, from quality.Phase, fromStore bool, score int, forced bool) {
	next, ok := from.Next()

	o.mu.Lock()
	o.state.PhaseHistory[t.ID] = append(o.state.PhaseHistory[t.ID], from)
	o.state.PhaseIteration = 0
	if ok {
		o.state.CurrentPhase = next
		o.state.ContinueWithCurrentTask = true
	} else {
		startPhase, _ := quality.CanonicalPhase(o.cfg.Orchestrator.Phase)
		o.state.CurrentPhase = startPhase
		o.state.ContinueWithCurrentTask = false
		o.state.CurrentTaskID = ""
	}
	o.mu.Unlock()

	if o.deps.Bus != nil {
		o.deps.Bus.Publish(events.Now(events.PhaseAdvanced, events.PhasePayload{
			ProjectPath: o.paths.Root,
			FromPhase:   string(from),
			ToPhase:     string(o.stateCopy().CurrentPhase),
			TaskID:      t.ID,
		}))
	}

	if ok {
		o.log.Info("Task %s advanced to phase %s", t.ID, next)
		return
	}

	if forced {
		if !fromStore {
			o.fallbackDone = true
		}
		o.log.Warn("Task %s exhausted every phase without passing, leaving it in progress", t.ID)
		return
	}

	if fromStore {
		meta := &task.CompletionMeta{QualityScore: score}
		if _, err := o.deps.Manager.UpdateStatus(t.ID, task.StatusCompleted, meta); err != nil {
			o.log.Error("Could not complete task %s: %v", t.ID, err)
			return
		}
	} else {
		o.fallbackDone = true
	}
	o.deps.Registry.RecordCompletion(config.TranscriptDirName(o.paths.Root), t.ID, score, 0)
	o.log.Info("Task %s completed with final score %d", t.ID, score)
}

// rotatePhase moves the scan to the next lifecycle phase when the current
// one has no ready work, wrapping back to the first.
func (o *Orchestrator) rotatePhase() {
	o.mu.Lock()
	defer o.mu.Unlock()
	next, ok := o.state.CurrentPhase.Next()
	if !ok {
		next = quality.Phases()[0]
	}
	o.log.Info("No ready tasks for phase %s, scanning %s", o.state.CurrentPhase, next)
	o.state.CurrentPhase = next
	o.state.PhaseIteration = 0
}

// selectTask picks the next task: the in-flight one when resuming, the
// highest scoring ready task otherwise, or the synthetic fallback task when
// no store exists. A nil task with nil error means no work remains.
func (o *Orchestrator) selectTask(st State) (*task.Task, bool, error) {
	if o.deps.Manager == nil {
		if o.cfg.Orchestrator.TaskFallback == "" || o.fallbackDone {
			return nil, false, nil
		}
		return o.fallbackTask(st), false, nil
	}

	if st.ContinueWithCurrentTask && st.CurrentTaskID != "" {
		t, err := o.deps.Manager.GetTask(st.CurrentTaskID)
		if err == nil {
			return t, true, nil
		}
		o.log.Warn("In-flight task %s vanished, reselecting: %v", st.CurrentTaskID, err)
		o.mu.Lock()
		o.state.ContinueWithCurrentTask = false
		o.state.CurrentTaskID = ""
		o.mu.Unlock()
	}

	t, err := o.deps.Manager.GetNextTask(string(st.CurrentPhase))
	if err != nil {
		return nil, false, fmt.Errorf("selecting next task: %w", err)
	}
	if t == nil && o.cfg.Orchestrator.TaskFallback != "" && !o.fallbackDone {
		return o.fallbackTask(st), false, nil
	}
	return t, t != nil, nil
}

// fallbackTask wraps the --task flag value in a synthetic single-criterion
// task that never touches the store or the claim coordinator.
func (o *Orchestrator) fallbackTask(st State) *task.Task {
	now := time.Now()
	return &task.Task{
		ID:                 fallbackTaskID,
		Title:              o.cfg.Orchestrator.TaskFallback,
		Description:        o.cfg.Orchestrator.TaskFallback,
		Phase:              st.CurrentPhase,
		Priority:           task.PriorityHigh,
		Status:             task.StatusInProgress,
		AcceptanceCriteria: []string{o.cfg.Orchestrator.TaskFallback},
		Created:            now,
		Updated:            now,
	}
}

// claimTTL derives the claim lifetime from completion history: twice the
// average duration of the current phase, so a healthy session always
// finishes inside its claim.
func (o *Orchestrator) claimTTL(phase quality.Phase) time.Duration {
	avg := defaultPhaseDuration
	if o.deps.Manager != nil {
		stats := o.deps.Manager.GetStats()
		if ms, ok := stats.AvgDurationByPhase[string(phase)]; ok && ms > 0 {
			avg = time.Duration(ms) * time.Millisecond
		}
	}
	return 2 * avg
}

func (o *Orchestrator) release(fromStore bool, taskID, owner, reason string) {
	if !fromStore {
		return
	}
	if err := o.deps.Coordinator.Release(taskID, owner, reason); err != nil && !errors.Is(err, claims.ErrClaimNotFound) {
		o.log.Warn("Releasing claim on %s: %v", taskID, err)
	}
}

// pause waits the configured inter-session delay, returning an error when
// ctx is cancelled during the wait.
func (o *Orchestrator) pause(ctx context.Context) error {
	delay := o.cfg.SessionDelay()
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) stateCopy() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.snapshot()
}
