package claims

import (
	"sync"
	"time"

	"tasknerd/internal/logging"
)

// Sweep cadences from the coordination contract: expired claims every
// minute, orphans every five.
const (
	expiredSweepInterval  = time.Minute
	orphanedSweepInterval = 5 * time.Minute
)

// Sweeper runs the periodic claim cleanups. liveSessions supplies the
// registry's current non-ended session ids at sweep time.
type Sweeper struct {
	mu           sync.Mutex
	coord        *Coordinator
	liveSessions func() []string
	stopCh       chan struct{}
	doneCh       chan struct{}
	running      bool
}

// NewSweeper builds a sweeper over the coordinator.
func NewSweeper(c *Coordinator, liveSessions func() []string) *Sweeper {
	return &Sweeper{coord: c, liveSessions: liveSessions}
}

// Start launches the sweep loops. Idempotent.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go func() {
		defer close(s.doneCh)
		expired := time.NewTicker(expiredSweepInterval)
		defer expired.Stop()
		orphaned := time.NewTicker(orphanedSweepInterval)
		defer orphaned.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-expired.C:
				if _, err := s.coord.CleanupExpired(); err != nil {
					logging.ClaimsError("expired sweep failed: %v", err)
				}
			case <-orphaned.C:
				var live []string
				if s.liveSessions != nil {
					live = s.liveSessions()
				}
				if _, err := s.coord.CleanupOrphaned(live); err != nil {
					logging.ClaimsError("orphan sweep failed: %v", err)
				}
			}
		}
	}()
}

// Stop halts the loops and waits for them to drain. Idempotent.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stop)
	<-done
}
