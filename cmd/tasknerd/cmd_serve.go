package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var flagPort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring API without the orchestrator loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = flagPort
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			rt, err := buildRuntime(cfg, paths, storeExists(paths))
			if err != nil {
				return err
			}
			defer rt.teardown()

			if err := rt.start(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			console.Infow("control plane starting", "project", paths.Root, "port", cfg.Server.Port)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return rt.srv.Start()
			})
			g.Go(func() error {
				<-gctx.Done()
				rt.shutdownServer()
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().IntVar(&flagPort, "port", 3033, "listen port")
	return cmd
}
