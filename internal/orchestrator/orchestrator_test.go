package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"tasknerd/internal/claims"
	"tasknerd/internal/config"
	"tasknerd/internal/events"
	"tasknerd/internal/quality"
	"tasknerd/internal/ratelimit"
	"tasknerd/internal/registry"
	"tasknerd/internal/task"
)

// scriptedRunner replays a canned result per session instead of spawning
// subprocesses. Each step may write artifact files before returning.
type scriptedRunner struct {
	steps   []func(n int, prompt string) RunResult
	calls   int
	prompts []string
}

func (r *scriptedRunner) RunSession(_ context.Context, n int, prompt string) RunResult {
	r.prompts = append(r.prompts, prompt)
	i := r.calls
	r.calls++
	if i >= len(r.steps) {
		return RunResult{Reason: ExitError, Err: errors.New("script exhausted")}
	}
	return r.steps[i](n, prompt)
}

func testConfig(root string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.ProjectPath = root
	cfg.Orchestrator.SessionDelayMs = 0
	return cfg
}

func testDeps(t *testing.T, runner sessionRunner) (Deps, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return Deps{
		Registry: registry.New(bus),
		Rates:    ratelimit.New(ratelimit.Limits{FiveHour: 225, Daily: 1000, Weekly: 5000}, time.Sunday, bus),
		Bus:      bus,
		Runner:   runner,
	}, bus
}

// writeArtifacts fakes the completion protocol: a passing or failing scores
// file for the phase plus a completion record with every criterion met.
func writeArtifacts(t *testing.T, paths config.Paths, taskID string, phase quality.Phase, score int, recommendation string, met []bool) {
	t.Helper()
	rubric, err := quality.ScoringRubric(string(phase))
	if err != nil {
		t.Fatalf("ScoringRubric(%s): %v", phase, err)
	}
	scores := make(map[string]int)
	for _, id := range rubric.CriterionIDs() {
		scores[id] = score
	}
	writeJSON(t, paths.ScoresFile(), quality.Report{
		Phase:          string(phase),
		TaskID:         taskID,
		Scores:         scores,
		Recommendation: recommendation,
	})
	writeJSON(t, paths.CompletionFile(), CompletionRecord{
		TaskID:        taskID,
		Status:        "completed",
		AcceptanceMet: met,
		CompletedAt:   time.Now(),
	})
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// passStep writes passing artifacts for whatever phase the orchestrator is
// currently on, then reports a clean exit.
func passStep(t *testing.T, o **Orchestrator, paths config.Paths, taskID string) func(int, string) RunResult {
	return func(int, string) RunResult {
		phase := (*o).ExecutionState().CurrentPhase
		writeArtifacts(t, paths, taskID, phase, 100, quality.RecommendProceed, []bool{true})
		return RunResult{Reason: ExitComplete}
	}
}

func TestFallbackTaskWalksAllPhases(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	if err := paths.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(paths.Root)
	cfg.Orchestrator.TaskFallback = "wire up the frobnicator"

	runner := &scriptedRunner{}
	deps, _ := testDeps(t, runner)

	var o *Orchestrator
	for i := 0; i < 4; i++ {
		runner.steps = append(runner.steps, passStep(t, &o, paths, fallbackTaskID))
	}

	o, err := New(cfg, paths, deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := o.ExecutionState()
	if st.TotalSessions != 4 {
		t.Errorf("TotalSessions = %d, want 4", st.TotalSessions)
	}
	want := []quality.Phase{quality.PhaseResearch, quality.PhaseDesign, quality.PhaseImplement, quality.PhaseTest}
	got := st.PhaseHistory[fallbackTaskID]
	if len(got) != len(want) {
		t.Fatalf("PhaseHistory = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("PhaseHistory[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if st.CurrentPhase != quality.PhaseResearch {
		t.Errorf("CurrentPhase after completion = %s, want research", st.CurrentPhase)
	}

	comps := deps.Registry.RecentCompletions()
	if len(comps) != 1 || comps[0].TaskID != fallbackTaskID {
		t.Errorf("RecentCompletions = %+v, want one entry for %s", comps, fallbackTaskID)
	}
}

func TestFailingScoresIterateThenForceAdvance(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	if err := paths.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(paths.Root)
	cfg.Orchestrator.TaskFallback = "never good enough"
	cfg.Orchestrator.MaxIterationsPerPhase = 2

	runner := &scriptedRunner{}
	deps, _ := testDeps(t, runner)

	var o *Orchestrator
	fail := func(int, string) RunResult {
		phase := o.ExecutionState().CurrentPhase
		writeArtifacts(t, paths, fallbackTaskID, phase, 10, quality.RecommendIterate, []bool{false})
		return RunResult{Reason: ExitComplete}
	}
	// 2 failed iterations per phase, 4 phases.
	for i := 0; i < 8; i++ {
		runner.steps = append(runner.steps, fail)
	}

	o, err := New(cfg, paths, deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := o.ExecutionState()
	if st.TotalSessions != 8 {
		t.Errorf("TotalSessions = %d, want 8", st.TotalSessions)
	}
	if len(st.PhaseHistory[fallbackTaskID]) != 4 {
		t.Errorf("PhaseHistory length = %d, want 4 forced advances", len(st.PhaseHistory[fallbackTaskID]))
	}
	if st.TaskIterations[fallbackTaskID] != 8 {
		t.Errorf("TaskIterations = %d, want 8", st.TaskIterations[fallbackTaskID])
	}
	if comps := deps.Registry.RecentCompletions(); len(comps) != 0 {
		t.Errorf("RecentCompletions = %+v, want none for a task that never passed", comps)
	}
}

func TestThresholdExitDoesNotChargeIteration(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	if err := paths.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(paths.Root)
	cfg.Orchestrator.TaskFallback = "long-running work"
	cfg.Orchestrator.MaxSessions = 1

	runner := &scriptedRunner{steps: []func(int, string) RunResult{
		func(int, string) RunResult { return RunResult{Reason: ExitThreshold} },
	}}
	deps, _ := testDeps(t, runner)

	o, err := New(cfg, paths, deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := o.ExecutionState()
	if st.TotalSessions != 1 {
		t.Errorf("TotalSessions = %d, want 1", st.TotalSessions)
	}
	if st.TaskIterations[fallbackTaskID] != 0 {
		t.Errorf("TaskIterations = %d, want 0: threshold exits are free", st.TaskIterations[fallbackTaskID])
	}
	if !st.ContinueWithCurrentTask {
		t.Error("ContinueWithCurrentTask = false, want true after preemption")
	}
	if st.PhaseIteration != 0 {
		t.Errorf("PhaseIteration = %d, want 0", st.PhaseIteration)
	}
}

func TestConsecutiveErrorsAbort(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	if err := paths.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(paths.Root)
	cfg.Orchestrator.TaskFallback = "doomed"

	boom := func(int, string) RunResult {
		return RunResult{Reason: ExitError, Err: errors.New("spawn failed")}
	}
	runner := &scriptedRunner{steps: []func(int, string) RunResult{boom, boom, boom}}
	deps, _ := testDeps(t, runner)

	o, err := New(cfg, paths, deps)
	if err != nil {
		t.Fatal(err)
	}
	err = o.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil, want abort after consecutive failures")
	}
	if runner.calls != 3 {
		t.Errorf("sessions run = %d, want 3", runner.calls)
	}
}

func TestStoreTaskCompletesAndReleasesClaim(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	if err := paths.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(paths.Root)

	runner := &scriptedRunner{}
	deps, bus := testDeps(t, runner)

	mgr, err := task.Open(paths.TasksFile(), paths.Root, bus)
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()
	deps.Manager = mgr

	coord, err := claims.Open(paths.ClaimsDB(), bus)
	if err != nil {
		t.Fatal(err)
	}
	defer coord.Close()
	deps.Coordinator = coord

	created, err := mgr.CreateTask(task.Spec{
		Title:              "add retry logic",
		Phase:              "research",
		Priority:           task.PriorityHigh,
		Backlog:            task.TierNow,
		AcceptanceCriteria: []string{"retries are bounded"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var o *Orchestrator
	for i := 0; i < 4; i++ {
		runner.steps = append(runner.steps, passStep(t, &o, paths, created.ID))
	}

	o, err = New(cfg, paths, deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := mgr.GetTask(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Completion == nil || got.Completion.QualityScore != 100 {
		t.Errorf("completion meta = %+v, want quality score 100", got.Completion)
	}

	if _, err := coord.GetClaim(created.ID); !errors.Is(err, claims.ErrClaimNotFound) {
		t.Errorf("GetClaim after run = %v, want ErrClaimNotFound", err)
	}
	live := deps.Registry.LiveSessionIDs()
	if len(live) != 0 {
		t.Errorf("live sessions after run = %v, want none", live)
	}
}

func TestSetPhaseOverride(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	cfg := testConfig(paths.Root)
	deps, _ := testDeps(t, &scriptedRunner{})
	o, err := New(cfg, paths, deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.SetPhase("implementation"); err != nil {
		t.Fatal(err)
	}
	if got := o.ExecutionState().CurrentPhase; got != quality.PhaseImplement {
		t.Errorf("CurrentPhase = %s, want implement", got)
	}
	if err := o.SetPhase("daydreaming"); err == nil {
		t.Error("SetPhase accepted an unknown phase")
	}
}

func TestNoWorkStopsImmediately(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	cfg := testConfig(paths.Root)
	runner := &scriptedRunner{}
	deps, _ := testDeps(t, runner)

	o, err := New(cfg, paths, deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runner.calls != 0 {
		t.Errorf("sessions run = %d, want 0 with no store and no fallback", runner.calls)
	}
}

// openStore wires a real manager and claim coordinator into deps.
func openStore(t *testing.T, paths config.Paths, deps *Deps, bus *events.Bus) *task.Manager {
	t.Helper()
	mgr, err := task.Open(paths.TasksFile(), paths.Root, bus)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mgr.Close() })
	deps.Manager = mgr

	coord, err := claims.Open(paths.ClaimsDB(), bus)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { coord.Close() })
	deps.Coordinator = coord
	return mgr
}

func TestForcedAdvanceLeavesStoreTaskInProgress(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	if err := paths.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(paths.Root)
	cfg.Orchestrator.MaxIterationsPerPhase = 1

	runner := &scriptedRunner{}
	deps, bus := testDeps(t, runner)
	mgr := openStore(t, paths, &deps, bus)

	created, err := mgr.CreateTask(task.Spec{
		Title:              "never passes",
		Phase:              "research",
		Backlog:            task.TierNow,
		AcceptanceCriteria: []string{"it works"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var o *Orchestrator
	fail := func(int, string) RunResult {
		phase := o.ExecutionState().CurrentPhase
		writeArtifacts(t, paths, created.ID, phase, 10, quality.RecommendIterate, []bool{false})
		return RunResult{Reason: ExitComplete}
	}
	// One forced advance per phase.
	for i := 0; i < 4; i++ {
		runner.steps = append(runner.steps, fail)
	}

	o, err = New(cfg, paths, deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if runner.calls != 4 {
		t.Errorf("sessions run = %d, want 4", runner.calls)
	}
	got, err := mgr.GetTask(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusInProgress {
		t.Errorf("status = %s, want in_progress: forced advances never complete a task", got.Status)
	}
	if got.Completion != nil {
		t.Errorf("completion meta = %+v, want none", got.Completion)
	}
	if comps := deps.Registry.RecentCompletions(); len(comps) != 0 {
		t.Errorf("RecentCompletions = %+v, want none", comps)
	}
}

func TestReadyTaskInLaterPhaseIsServed(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	if err := paths.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(paths.Root)

	runner := &scriptedRunner{}
	deps, bus := testDeps(t, runner)
	mgr := openStore(t, paths, &deps, bus)

	created, err := mgr.CreateTask(task.Spec{
		Title:              "already researched",
		Phase:              "design",
		Backlog:            task.TierNow,
		AcceptanceCriteria: []string{"layout agreed"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var o *Orchestrator
	// design, implement, test.
	for i := 0; i < 3; i++ {
		runner.steps = append(runner.steps, passStep(t, &o, paths, created.ID))
	}

	o, err = New(cfg, paths, deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if runner.calls != 3 {
		t.Errorf("sessions run = %d, want 3: the loop should rotate to the task's phase", runner.calls)
	}
	got, err := mgr.GetTask(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestPreviousEvaluationDoesNotFollowTaskSwitch(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	if err := paths.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(paths.Root)
	cfg.Orchestrator.MaxSessions = 2

	runner := &scriptedRunner{}
	deps, bus := testDeps(t, runner)
	mgr := openStore(t, paths, &deps, bus)

	first, err := mgr.CreateTask(task.Spec{
		Title:              "first task",
		Phase:              "research",
		Backlog:            task.TierNow,
		AcceptanceCriteria: []string{"done"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.CreateTask(task.Spec{
		Title:              "second task",
		Phase:              "research",
		Backlog:            task.TierNow,
		AcceptanceCriteria: []string{"done"},
	}); err != nil {
		t.Fatal(err)
	}

	runner.steps = []func(int, string) RunResult{
		func(int, string) RunResult {
			// Fail the first task, then make it vanish so the next cycle
			// selects the second one.
			writeArtifacts(t, paths, first.ID, quality.PhaseResearch, 10, quality.RecommendIterate, []bool{false})
			if err := mgr.DeleteTask(first.ID); err != nil {
				t.Errorf("DeleteTask: %v", err)
			}
			return RunResult{Reason: ExitComplete}
		},
		func(int, string) RunResult {
			return RunResult{Reason: ExitThreshold}
		},
	}

	o, err := New(cfg, paths, deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(runner.prompts) != 2 {
		t.Fatalf("sessions run = %d, want 2", len(runner.prompts))
	}
	if strings.Contains(runner.prompts[1], "## Previous attempt") {
		t.Error("second task's prompt carries the first task's failed evaluation")
	}
}

func TestShutdownExitKeepsTaskResumable(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	if err := paths.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(paths.Root)
	cfg.Orchestrator.TaskFallback = "interrupted work"

	ctx, cancel := context.WithCancel(context.Background())
	runner := &scriptedRunner{steps: []func(int, string) RunResult{
		func(int, string) RunResult {
			cancel()
			return RunResult{Reason: ExitShutdown}
		},
	}}
	deps, _ := testDeps(t, runner)

	o, err := New(cfg, paths, deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := o.ExecutionState()
	if st.TotalSessions != 1 {
		t.Errorf("TotalSessions = %d, want 1", st.TotalSessions)
	}
	if st.TaskIterations[fallbackTaskID] != 0 {
		t.Errorf("TaskIterations = %d, want 0: a shutdown is not an attempt", st.TaskIterations[fallbackTaskID])
	}
	if st.ContinueWithCurrentTask {
		t.Error("ContinueWithCurrentTask = true, want false on shutdown")
	}
}
