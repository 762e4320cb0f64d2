// tasknerd drives an agent CLI through research, design, implement, and test
// phases: it picks tasks from a persistent store, spawns one agent session at
// a time, preempts sessions that burn too much context, scores the artifacts
// each session leaves behind, and serves a monitoring API while it works.
package main

import (
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tasknerd/internal/config"
	"tasknerd/internal/logging"
	"tasknerd/internal/server"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	console *zap.SugaredLogger

	flagConfig  string
	flagProject string
	flagVerbose bool
)

func main() {
	server.Version = Version

	root := &cobra.Command{
		Use:           "tasknerd",
		Short:         "Autonomous development orchestrator",
		Long:          "tasknerd runs an agent CLI through phased development sessions with quality gates,\ntask coordination, context budgeting, and a monitoring API.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupConsole()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if console != nil {
				console.Sync()
			}
			logging.CloseAll()
		},
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "tasknerd.yaml", "config file path")
	root.PersistentFlags().StringVarP(&flagProject, "project", "C", "", "project directory (default: config or cwd)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug console output")

	root.AddCommand(newRunCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newTasksCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build metadata",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tasknerd %s %s/%s\n", Version, goruntime.GOOS, goruntime.GOARCH)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tasknerd:", err)
		os.Exit(1)
	}
}

// setupConsole builds the operator-facing zap logger. Category file logs are
// a separate concern configured per project in loadConfig.
func setupConsole() error {
	level := zapcore.InfoLevel
	if flagVerbose {
		level = zapcore.DebugLevel
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true
	logger, err := zc.Build()
	if err != nil {
		return err
	}
	console = logger.Sugar()
	return nil
}

// loadConfig loads the YAML config, applies the --project override, and
// initializes per-project file logging.
func loadConfig() (*config.Config, config.Paths, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, config.Paths{}, err
	}
	if flagProject != "" {
		cfg.ProjectPath = flagProject
	}
	paths, err := config.NewPaths(cfg.ProjectPath)
	if err != nil {
		return nil, config.Paths{}, err
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, config.Paths{}, err
	}
	if err := logging.Initialize(paths.Root, logging.Options{
		Enabled:    cfg.Logging.Enabled,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, config.Paths{}, err
	}
	return cfg, paths, nil
}
