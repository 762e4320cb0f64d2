package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"tasknerd/internal/config"
	"tasknerd/internal/logging"
	"tasknerd/internal/tracker"
)

// agentArgs is the non-interactive invocation of the agent CLI. The prompt
// arrives on stdin; stream-json on stdout feeds the per-session log.
var agentArgs = []string{
	"-p",
	"--output-format", "stream-json",
	"--verbose",
	"--dangerously-skip-permissions",
}

// RunResult is the supervisor's verdict on one subprocess run.
type RunResult struct {
	Reason   ExitReason
	ExitCode int
	Err      error
}

// sessionRunner abstracts subprocess supervision so the loop can be tested
// without spawning real agents.
type sessionRunner interface {
	RunSession(ctx context.Context, n int, prompt string) RunResult
}

// Runner spawns and supervises one agent subprocess at a time. It
// subscribes to the context tracker for the duration of each spawn and
// preempts the child when its transcript crosses the context threshold.
type Runner struct {
	command          string
	extraArgs        []string
	paths            config.Paths
	transcriptKey    string
	contextThreshold float64
	killGrace        time.Duration
	tracker          *tracker.Tracker
	console          io.Writer
	log              *logging.Logger
}

// NewRunner builds a runner for one project.
func NewRunner(cfg *config.Config, paths config.Paths, tr *tracker.Tracker) *Runner {
	return &Runner{
		command:          cfg.Agent.Command,
		extraArgs:        cfg.Agent.ExtraArgs,
		paths:            paths,
		transcriptKey:    config.TranscriptDirName(paths.Root),
		contextThreshold: float64(cfg.Orchestrator.ContextThreshold),
		killGrace:        cfg.KillGrace(),
		tracker:          tr,
		console:          os.Stdout,
		log:              logging.Get(logging.CategoryOrchestrator),
	}
}

// RunSession writes the prompt to disk, spawns the agent CLI with stdin
// redirected from the prompt file, tees output to console and the session
// log, and blocks until exit or threshold preemption. Log flushing, claim
// release, and tracker unsubscription are the caller's and this method's
// shared contract: RunSession always closes its own resources and always
// unsubscribes before returning.
func (r *Runner) RunSession(ctx context.Context, n int, prompt string) RunResult {
	promptPath := r.paths.PromptFile(n)
	if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
		return RunResult{Reason: ExitError, Err: fmt.Errorf("writing prompt file: %w", err)}
	}

	promptFile, err := os.Open(promptPath)
	if err != nil {
		return RunResult{Reason: ExitError, Err: fmt.Errorf("opening prompt file: %w", err)}
	}
	defer promptFile.Close()

	logFile, err := os.OpenFile(r.paths.SessionLog(n), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return RunResult{Reason: ExitError, Err: fmt.Errorf("opening session log: %w", err)}
	}
	defer func() {
		logFile.Sync()
		logFile.Close()
	}()

	args := append(append([]string(nil), agentArgs...), r.extraArgs...)
	cmd := exec.Command(r.command, args...)
	cmd.Dir = r.paths.Root
	cmd.Stdin = promptFile
	out := io.MultiWriter(r.console, logFile)
	cmd.Stdout = out
	cmd.Stderr = out
	setupProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return RunResult{Reason: ExitError, Err: fmt.Errorf("spawning %s: %w", r.command, err)}
	}
	r.log.Info("Session %d: spawned %s (pid %d)", n, r.command, cmd.Process.Pid)

	// done gates the grace-period force-kill; closed once Wait returns.
	done := make(chan struct{})
	var preemptReason atomic.Value
	var killOnce sync.Once
	preempt := func(reason ExitReason, why string) {
		killOnce.Do(func() {
			preemptReason.Store(reason)
			r.log.Warn("Session %d: preempting subprocess: %s", n, why)
			if err := terminateProcess(cmd); err != nil {
				r.log.Warn("Session %d: terminate failed: %v", n, err)
			}
			go func() {
				select {
				case <-done:
				case <-time.After(r.killGrace):
					r.log.Warn("Session %d: grace period elapsed, force-killing", n)
					if err := killProcess(cmd); err != nil {
						r.log.Warn("Session %d: force kill failed: %v", n, err)
					}
				}
			}()
		})
	}

	// Watch this project's transcripts for the lifetime of the spawn only.
	subID := r.tracker.Subscribe(func(a tracker.Alert) {
		if a.Project != r.transcriptKey {
			return
		}
		if a.Utilization >= r.contextThreshold {
			preempt(ExitThreshold, fmt.Sprintf("context at %.1f%% (threshold %.0f%%)", a.Utilization, r.contextThreshold))
		}
	})
	defer r.tracker.Unsubscribe(subID)

	// Context cancellation (shutdown signal) also preempts.
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			preempt(ExitShutdown, "shutdown requested")
		case <-ctxDone:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	close(ctxDone)

	reason, _ := preemptReason.Load().(ExitReason)
	switch {
	case reason == ExitShutdown:
		r.log.Info("Session %d: ended by shutdown", n)
		return RunResult{Reason: ExitShutdown}
	case reason == ExitThreshold:
		r.log.Info("Session %d: ended by threshold preemption", n)
		return RunResult{Reason: ExitThreshold}
	case waitErr != nil:
		code := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		r.log.Error("Session %d: subprocess failed (exit %d): %v", n, code, waitErr)
		return RunResult{Reason: ExitError, ExitCode: code, Err: waitErr}
	default:
		r.log.Info("Session %d: subprocess completed", n)
		return RunResult{Reason: ExitComplete}
	}
}
