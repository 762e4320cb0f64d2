package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tasknerd/internal/orchestrator"
	"tasknerd/internal/quality"
)

func newRunCmd() *cobra.Command {
	var (
		flagPhase         string
		flagThreshold     int
		flagMaxSessions   int
		flagMaxIterations int
		flagTask          string
		flagDelay         int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator loop with the monitoring API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := loadConfig()
			if err != nil {
				return err
			}

			// Flags win over config and environment.
			if cmd.Flags().Changed("phase") {
				cfg.Orchestrator.Phase = flagPhase
			}
			if cmd.Flags().Changed("threshold") {
				cfg.Orchestrator.ContextThreshold = flagThreshold
			}
			if cmd.Flags().Changed("max-sessions") {
				cfg.Orchestrator.MaxSessions = flagMaxSessions
			}
			if cmd.Flags().Changed("max-iterations") {
				cfg.Orchestrator.MaxIterationsPerPhase = flagMaxIterations
			}
			if cmd.Flags().Changed("task") {
				cfg.Orchestrator.TaskFallback = flagTask
			}
			if cmd.Flags().Changed("delay") {
				cfg.Orchestrator.SessionDelayMs = flagDelay
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if _, err := quality.CanonicalPhase(cfg.Orchestrator.Phase); err != nil {
				return err
			}

			// An ad-hoc --task with no store on disk runs storeless; the
			// loop synthesizes the task itself.
			withStore := storeExists(paths) || cfg.Orchestrator.TaskFallback == ""

			rt, err := buildRuntime(cfg, paths, withStore)
			if err != nil {
				return err
			}
			defer rt.teardown()

			if err := rt.start(); err != nil {
				return err
			}

			runner := orchestrator.NewRunner(cfg, paths, rt.tracker)
			orch, err := orchestrator.New(cfg, paths, orchestrator.Deps{
				Manager:     rt.manager,
				Registry:    rt.registry,
				Coordinator: rt.coord,
				Rates:       rt.rates,
				Bus:         rt.bus,
				Runner:      runner,
			})
			if err != nil {
				return err
			}
			rt.srv.Projects().RegisterExecution(paths.Root, orch)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			console.Infow("orchestrator starting",
				"project", paths.Root,
				"phase", cfg.Orchestrator.Phase,
				"threshold", cfg.Orchestrator.ContextThreshold,
				"port", cfg.Server.Port,
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				// A bind failure surfaces here and cancels the loop.
				return rt.srv.Start()
			})
			g.Go(func() error {
				defer rt.shutdownServer()
				return orch.Run(gctx)
			})
			if err := g.Wait(); err != nil {
				return err
			}

			console.Infow("orchestrator finished",
				"sessions", orch.ExecutionState().TotalSessions)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagPhase, "phase", "research", "starting phase (research|design|implement|test)")
	cmd.Flags().IntVar(&flagThreshold, "threshold", 65, "context percent that preempts a session")
	cmd.Flags().IntVar(&flagMaxSessions, "max-sessions", 0, "stop after this many sessions (0 = unlimited)")
	cmd.Flags().IntVar(&flagMaxIterations, "max-iterations", 10, "iterations per phase before forced advance")
	cmd.Flags().StringVar(&flagTask, "task", "", "ad-hoc task description when no task store exists")
	cmd.Flags().IntVar(&flagDelay, "delay", 5000, "pause between sessions in milliseconds")
	return cmd
}
