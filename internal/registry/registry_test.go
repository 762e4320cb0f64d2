package registry

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"tasknerd/internal/events"
)

func newRegistry() *Registry {
	return New(events.NewBus())
}

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	r := newRegistry()

	a, err := r.Register(RegisterRequest{Project: "p", ProjectPath: "/p", SessionType: TypeCLI})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	b, _ := r.Register(RegisterRequest{Project: "q", ProjectPath: "/q", SessionType: TypeCLI})
	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("ids: %d %d", a.ID, b.ID)
	}
	if a.Status != StatusActive {
		t.Fatalf("status: %s", a.Status)
	}
}

func TestDedupByAgentSessionID(t *testing.T) {
	r := newRegistry()

	a, _ := r.Register(RegisterRequest{
		Project: "p", ProjectPath: "/p", SessionType: TypeAutonomous, AgentSessionID: "abc",
	})
	b, _ := r.Register(RegisterRequest{
		Project: "p", ProjectPath: "/p", SessionType: TypeCLI, AgentSessionID: "abc",
	})
	if a.ID != b.ID {
		t.Fatalf("same agent id produced two sessions: %d %d", a.ID, b.ID)
	}
	// The second register carried cli; the session must stay autonomous.
	if b.SessionType != TypeAutonomous {
		t.Fatalf("sessionType downgraded to %s", b.SessionType)
	}
}

func TestDedupUpgradesCLI(t *testing.T) {
	r := newRegistry()

	cli, _ := r.Register(RegisterRequest{Project: "p", ProjectPath: "/p", SessionType: TypeCLI})
	auto, _ := r.Register(RegisterRequest{Project: "p", ProjectPath: "/p", SessionType: TypeAutonomous})

	if auto.ID != cli.ID {
		t.Fatalf("fresh cli session not upgraded in place: cli=%d auto=%d", cli.ID, auto.ID)
	}
	if auto.SessionType != TypeAutonomous {
		t.Fatalf("sessionType: %s", auto.SessionType)
	}
	sum := r.GetSummary()
	if sum.Total != 1 {
		t.Fatalf("row count: %d", sum.Total)
	}
}

func TestDedupEndsStaleAutonomous(t *testing.T) {
	r := newRegistry()

	stale, _ := r.Register(RegisterRequest{Project: "p", ProjectPath: "/p", SessionType: TypeAutonomous})
	fresh, _ := r.Register(RegisterRequest{Project: "p", ProjectPath: "/p", SessionType: TypeAutonomous})

	if fresh.ID == stale.ID {
		t.Fatalf("stale autonomous should be ended, not merged")
	}
	got, _ := r.Get(stale.ID)
	if got.Status != StatusEnded {
		t.Fatalf("stale autonomous not ended: %s", got.Status)
	}
	got, _ = r.Get(fresh.ID)
	if got.Status != StatusActive {
		t.Fatalf("fresh autonomous not active: %s", got.Status)
	}
}

func TestDedupIgnoresOtherProjects(t *testing.T) {
	r := newRegistry()

	other, _ := r.Register(RegisterRequest{Project: "q", ProjectPath: "/q", SessionType: TypeAutonomous})
	mine, _ := r.Register(RegisterRequest{Project: "p", ProjectPath: "/p", SessionType: TypeAutonomous})

	if other.ID == mine.ID {
		t.Fatal("cross-project merge")
	}
	got, _ := r.Get(other.ID)
	if got.Status != StatusActive {
		t.Fatalf("other project's session was ended: %s", got.Status)
	}
}

func TestUpdateAndLifecycle(t *testing.T) {
	r := newRegistry()
	s, _ := r.Register(RegisterRequest{Project: "p", ProjectPath: "/p", SessionType: TypeAutonomous})

	task := "t1"
	updated, err := r.Update(s.ID, UpdateRequest{
		Metrics:     &Metrics{InputTokens: 1000, OutputTokens: 500, Messages: 3},
		CurrentTask: &task,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Metrics.TotalTokens != 1500 {
		t.Fatalf("total tokens not derived: %d", updated.Metrics.TotalTokens)
	}
	if updated.CurrentTask != "t1" {
		t.Fatalf("current task: %q", updated.CurrentTask)
	}

	if _, err := r.SetStatus(s.ID, StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	ended, err := r.End(s.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.Status != StatusEnded || ended.EndTime == nil {
		t.Fatalf("end state: %+v", ended)
	}

	if _, err := r.Update(999, UpdateRequest{}); err != ErrSessionNotFound {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestEndByAgentSessionID(t *testing.T) {
	r := newRegistry()
	r.Register(RegisterRequest{Project: "p", ProjectPath: "/p", SessionType: TypeCLI, AgentSessionID: "abc"})

	s, err := r.EndByAgentSessionID("abc")
	if err != nil {
		t.Fatalf("EndByAgentSessionID: %v", err)
	}
	if s.Status != StatusEnded {
		t.Fatalf("status: %s", s.Status)
	}
	if _, err := r.EndByAgentSessionID("ghost"); err != ErrSessionNotFound {
		t.Fatalf("unknown agent id: %v", err)
	}
}

func TestHierarchyAndDelegations(t *testing.T) {
	r := newRegistry()
	root, _ := r.Register(RegisterRequest{Project: "p", ProjectPath: "/p", SessionType: TypeAutonomous})
	child, _ := r.Register(RegisterRequest{
		Project: "p", ProjectPath: "/p2", SessionType: TypeCLI, ParentSessionID: root.ID,
	})
	r.Register(RegisterRequest{
		Project: "p", ProjectPath: "/p3", SessionType: TypeCLI, ParentSessionID: child.ID,
	})

	d, err := r.StartDelegation(root.ID, "agent-x", "t1", map[string]string{"pattern": "fanout"})
	if err != nil {
		t.Fatalf("StartDelegation: %v", err)
	}

	sum := r.GetSummaryWithHierarchy()
	if sum.ActiveDelegationCount != 1 {
		t.Fatalf("active delegations: %d", sum.ActiveDelegationCount)
	}
	if sum.MaxDelegationDepth != 2 {
		t.Fatalf("depth: %d", sum.MaxDelegationDepth)
	}

	if err := r.CompleteDelegation(root.ID, d.DelegationID, "ok", false); err != nil {
		t.Fatalf("CompleteDelegation: %v", err)
	}
	got, _ := r.Get(root.ID)
	if len(got.ActiveDelegations) != 0 || len(got.CompletedDelegations) != 1 {
		t.Fatalf("delegation not resolved: %+v", got)
	}
	if got.CompletedDelegations[0].Status != DelegationCompleted {
		t.Fatalf("status: %s", got.CompletedDelegations[0].Status)
	}

	if err := r.CompleteDelegation(root.ID, d.DelegationID, "", true); err == nil {
		t.Fatal("resolved delegation accepted twice")
	}
}

func TestRecordCompletionRing(t *testing.T) {
	r := newRegistry()
	for i := 0; i < recentCompletionCap+10; i++ {
		r.RecordCompletion("p", "t", 90, 0.5)
	}
	if got := len(r.RecentCompletions()); got != recentCompletionCap {
		t.Fatalf("ring size: %d", got)
	}
	if got := r.DailyCompletions()["p"]; got != recentCompletionCap+10 {
		t.Fatalf("daily count: %d", got)
	}
}

func TestReapIdle(t *testing.T) {
	r := newRegistry()
	s, _ := r.Register(RegisterRequest{Project: "p", ProjectPath: "/p", SessionType: TypeCLI})

	// Fresh session survives.
	if n := r.ReapIdle(time.Hour); n != 0 {
		t.Fatalf("fresh session reaped: %d", n)
	}

	// Backdate the update clock, then sweep.
	r.mu.Lock()
	r.byID[s.ID].LastUpdate = time.Now().Add(-2 * time.Hour)
	r.mu.Unlock()

	if n := r.ReapIdle(time.Hour); n != 1 {
		t.Fatalf("idle session not reaped: %d", n)
	}
	got, _ := r.Get(s.ID)
	if got.Status != StatusEnded {
		t.Fatalf("status after reap: %s", got.Status)
	}
}

func TestReaperLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newRegistry()
	rp := NewReaper(r, 30*time.Minute)
	rp.Start()
	rp.Start() // idempotent
	rp.Stop()
	rp.Stop() // idempotent
}
