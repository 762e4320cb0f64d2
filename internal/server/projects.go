package server

import (
	"path/filepath"
	"sync"

	"tasknerd/internal/config"
	"tasknerd/internal/events"
	"tasknerd/internal/orchestrator"
	"tasknerd/internal/task"
)

// Execution is the slice of the orchestrator the control plane may touch.
type Execution interface {
	ExecutionState() orchestrator.State
	SetPhase(name string) error
}

// projectTable routes per-project requests: task managers opened on demand,
// execution handles registered by the process that runs the loop, and the
// task-phase override map. Keys are normalized absolute project paths.
type projectTable struct {
	mu         sync.Mutex
	bus        *events.Bus
	managers   map[string]*task.Manager
	owned      map[string]bool
	executions map[string]Execution
	taskPhases map[string]map[string]string
}

func newProjectTable(bus *events.Bus) *projectTable {
	return &projectTable{
		bus:        bus,
		managers:   make(map[string]*task.Manager),
		owned:      make(map[string]bool),
		executions: make(map[string]Execution),
		taskPhases: make(map[string]map[string]string),
	}
}

func projectPaths(root string) config.Paths {
	return config.Paths{Root: root}
}

// normalizePath collapses the different spellings of one project directory
// to a single map key.
func normalizePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return filepath.Clean(abs)
}

// AdoptManager registers an already-open manager, typically the one the run
// command opened before starting the server. The table takes no ownership;
// whoever opened it closes it.
func (pt *projectTable) AdoptManager(projectPath string, m *task.Manager) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.managers[normalizePath(projectPath)] = m
}

// Manager returns the task manager for a project, opening the store on first
// use. Lock contention with another process surfaces as task.ErrStoreLocked.
func (pt *projectTable) Manager(projectPath string) (*task.Manager, error) {
	key := normalizePath(projectPath)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if m, ok := pt.managers[key]; ok {
		return m, nil
	}
	paths := projectPaths(key)
	m, err := task.Open(paths.TasksFile(), key, pt.bus)
	if err != nil {
		return nil, err
	}
	pt.managers[key] = m
	pt.owned[key] = true
	return m, nil
}

// RegisterExecution exposes a running orchestrator on the control plane.
func (pt *projectTable) RegisterExecution(projectPath string, e Execution) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.executions[normalizePath(projectPath)] = e
}

// Execution returns the loop handle for a project, or nil when no loop runs
// there.
func (pt *projectTable) Execution(projectPath string) Execution {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.executions[normalizePath(projectPath)]
}

// SetTaskPhase records a per-task phase override.
func (pt *projectTable) SetTaskPhase(projectPath, taskID, phase string) {
	key := normalizePath(projectPath)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.taskPhases[key] == nil {
		pt.taskPhases[key] = make(map[string]string)
	}
	pt.taskPhases[key][taskID] = phase
}

// TaskPhases returns a copy of the project's task-phase overrides.
func (pt *projectTable) TaskPhases(projectPath string) map[string]string {
	key := normalizePath(projectPath)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	out := make(map[string]string, len(pt.taskPhases[key]))
	for k, v := range pt.taskPhases[key] {
		out[k] = v
	}
	return out
}

// Projects lists every project path the table knows about.
func (pt *projectTable) Projects() []string {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for k := range pt.managers {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for k := range pt.executions {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// CloseAll closes the managers the table itself opened. Adopted managers
// stay open; their owner closes them during its own shutdown sequence.
func (pt *projectTable) CloseAll() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for k, m := range pt.managers {
		if pt.owned[k] {
			m.Close()
		}
		delete(pt.managers, k)
		delete(pt.owned, k)
	}
}
