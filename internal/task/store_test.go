package task

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"tasknerd/internal/events"
)

func tempStore(t *testing.T) (string, *events.Bus) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "tasks.json"), events.NewBus()
}

func TestStoreRoundTrip(t *testing.T) {
	path, bus := tempStore(t)

	m, err := Open(path, "/p", bus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := m.CreateTask(Spec{
		ID:                 "t1",
		Title:              "build parser",
		Phase:              "research",
		Priority:           PriorityHigh,
		EstimatedEffort:    "3h",
		Tags:               []string{"parser", "core"},
		Backlog:            TierNow,
		AcceptanceCriteria: []string{"parses valid input", "rejects invalid input"},
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := m.CreateTask(Spec{
		ID:           "t2",
		Title:        "wire parser",
		Phase:        "implement",
		Priority:     PriorityMedium,
		Backlog:      TierNext,
		Dependencies: Dependencies{Requires: []string{"t1"}},
	}); err != nil {
		t.Fatalf("CreateTask t2: %v", err)
	}
	want := m.ListTasks()
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := Open(path, "/p", bus)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()

	got := m2.ListTasks()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reload mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreLockFailsFast(t *testing.T) {
	path, bus := tempStore(t)

	m, err := Open(path, "/p", bus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	_, err = Open(path, "/p", bus)
	if !errors.Is(err, ErrStoreLocked) {
		t.Fatalf("second Open: want ErrStoreLocked, got %v", err)
	}
}

func TestStoreCorruptionFailsLoudly(t *testing.T) {
	path, bus := tempStore(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path, "/p", bus)
	var corrupt *CorruptStoreError
	if !errors.As(err, &corrupt) {
		t.Fatalf("want CorruptStoreError, got %v", err)
	}
	// The broken file must survive for the operator.
	data, readErr := os.ReadFile(path)
	if readErr != nil || string(data) != "{not json" {
		t.Fatalf("corrupt store was altered: %q %v", data, readErr)
	}
}

func TestStoreMissingFileStartsEmpty(t *testing.T) {
	path, bus := tempStore(t)

	m, err := Open(path, "/p", bus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	if got := len(m.ListTasks()); got != 0 {
		t.Fatalf("want empty store, got %d tasks", got)
	}
}
