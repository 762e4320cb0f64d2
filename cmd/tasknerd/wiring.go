package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tasknerd/internal/claims"
	"tasknerd/internal/config"
	"tasknerd/internal/events"
	"tasknerd/internal/logging"
	"tasknerd/internal/ratelimit"
	"tasknerd/internal/registry"
	"tasknerd/internal/server"
	"tasknerd/internal/task"
	"tasknerd/internal/tracker"
)

// runtime holds every long-lived subsystem one command wires together.
// teardown releases them in the reverse dependency order: network intake is
// already stopped by then, so tracker, rate-limit persistence, claims DB,
// and finally the task-store lock.
type runtime struct {
	cfg   *config.Config
	paths config.Paths
	bus   *events.Bus

	manager   *task.Manager
	registry  *registry.Registry
	reaper    *registry.Reaper
	coord     *claims.Coordinator
	sweeper   *claims.Sweeper
	tracker   *tracker.Tracker
	rates     *ratelimit.Tracker
	persister *ratelimit.Persister
	srv       *server.Server
}

// rateStatePath is where the rate-limit windows survive restarts.
func rateStatePath(paths config.Paths) string {
	return filepath.Join(paths.Root, config.DevDocsDirName, "rate-limits.json")
}

// storeExists reports whether the project already has a task store.
func storeExists(paths config.Paths) bool {
	_, err := os.Stat(paths.TasksFile())
	return err == nil
}

// buildRuntime opens every subsystem. withStore controls whether the task
// store is opened; the run command skips it when falling back to an ad-hoc
// --task with no store on disk. Failures here are fatal: the caller exits 1.
func buildRuntime(cfg *config.Config, paths config.Paths, withStore bool) (*runtime, error) {
	rt := &runtime{cfg: cfg, paths: paths, bus: events.NewBus()}

	if withStore {
		m, err := task.Open(paths.TasksFile(), paths.Root, rt.bus)
		if err != nil {
			rt.bus.Close()
			return nil, fmt.Errorf("opening task store: %w", err)
		}
		rt.manager = m
	}

	coord, err := claims.Open(paths.ClaimsDB(), rt.bus)
	if err != nil {
		rt.teardown()
		return nil, fmt.Errorf("opening claims database: %w", err)
	}
	rt.coord = coord

	rt.registry = registry.New(rt.bus)
	rt.reaper = registry.NewReaper(rt.registry, cfg.IdleTimeout())
	rt.sweeper = claims.NewSweeper(rt.coord, rt.registry.LiveSessionIDs)

	transcriptRoot := cfg.Tracker.TranscriptRoot
	if transcriptRoot == "" {
		transcriptRoot = config.DefaultTranscriptRoot()
	}
	rt.tracker = tracker.New(transcriptRoot, cfg.Tracker.ContextLimit, tracker.Thresholds{
		Warning:   float64(cfg.Tracker.Thresholds.Warning),
		Critical:  float64(cfg.Tracker.Thresholds.Critical),
		Emergency: float64(cfg.Tracker.Thresholds.Emergency),
	}, rt.bus)

	resetDay, _ := config.ParseResetDay(cfg.RateLimit.WeeklyResetDay)
	rt.rates = ratelimit.New(ratelimit.Limits{
		FiveHour: cfg.RateLimit.FiveHourLimit,
		Daily:    cfg.RateLimit.DailyLimit,
		Weekly:   cfg.RateLimit.WeeklyLimit,
	}, resetDay, rt.bus)
	if err := rt.rates.Load(rateStatePath(paths)); err != nil {
		logging.RateLimit("starting with fresh windows: %v", err)
	}
	rt.persister = ratelimit.NewPersister(rt.rates, rateStatePath(paths))

	rt.srv = server.New(cfg, server.Deps{
		Bus:         rt.bus,
		Registry:    rt.registry,
		Coordinator: rt.coord,
		Tracker:     rt.tracker,
		Rates:       rt.rates,
	})
	if rt.manager != nil {
		rt.srv.Projects().AdoptManager(paths.Root, rt.manager)
	}
	return rt, nil
}

// start launches the background loops. The HTTP server is started by the
// caller so it can own the bind-failure path.
func (rt *runtime) start() error {
	if err := rt.tracker.Start(); err != nil {
		return fmt.Errorf("starting transcript tracker: %w", err)
	}
	rt.persister.Start()
	rt.sweeper.Start()
	rt.reaper.Start()
	return nil
}

// teardown releases everything in shutdown order. Safe on a partially built
// runtime.
func (rt *runtime) teardown() {
	if rt.reaper != nil {
		rt.reaper.Stop()
	}
	if rt.sweeper != nil {
		rt.sweeper.Stop()
	}
	if rt.tracker != nil {
		rt.tracker.Stop()
	}
	if rt.persister != nil {
		rt.persister.Stop()
	}
	if rt.coord != nil {
		if err := rt.coord.Close(); err != nil {
			logging.ClaimsError("closing claims database: %v", err)
		}
	}
	if rt.manager != nil {
		if err := rt.manager.Close(); err != nil {
			logging.TaskError("releasing task store: %v", err)
		}
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
}

// shutdownServer stops HTTP/WS intake with a bounded drain.
func (rt *runtime) shutdownServer() {
	if rt.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.srv.Shutdown(ctx); err != nil {
		logging.ServerError("shutdown: %v", err)
	}
}
