package registry

import (
	"sync"
	"time"

	"tasknerd/internal/logging"
)

// Reaper periodically ends sessions that have gone quiet. One reaper per
// registry; Start is idempotent.
type Reaper struct {
	mu       sync.Mutex
	registry *Registry
	horizon  time.Duration
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewReaper builds a reaper with the given idle horizon. The sweep interval
// is a quarter of the horizon, floored at one minute.
func NewReaper(r *Registry, horizon time.Duration) *Reaper {
	interval := horizon / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Reaper{
		registry: r,
		horizon:  horizon,
		interval: interval,
	}
}

// Start launches the sweep loop.
func (rp *Reaper) Start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.running {
		return
	}
	rp.running = true
	rp.stopCh = make(chan struct{})
	rp.doneCh = make(chan struct{})

	go func() {
		defer close(rp.doneCh)
		ticker := time.NewTicker(rp.interval)
		defer ticker.Stop()
		for {
			select {
			case <-rp.stopCh:
				return
			case <-ticker.C:
				if n := rp.registry.ReapIdle(rp.horizon); n > 0 {
					logging.Registry("Reaper ended %d idle sessions", n)
				}
			}
		}
	}()
}

// Stop halts the loop and waits for it to drain.
func (rp *Reaper) Stop() {
	rp.mu.Lock()
	if !rp.running {
		rp.mu.Unlock()
		return
	}
	rp.running = false
	stop, done := rp.stopCh, rp.doneCh
	rp.mu.Unlock()

	close(stop)
	<-done
}
