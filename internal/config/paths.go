package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Well-known file names under the project root. The agent CLI reads and
// writes these by convention, so they are fixed rather than configurable.
const (
	DevDocsDirName      = ".claude/dev-docs"
	LogsDirName         = ".claude/logs"
	CoordinationDirName = ".claude/dev-docs/.coordination"

	tasksFileName      = "tasks.json"
	completionFileName = "task-completion.json"
	scoresFileName     = "quality-scores.json"
	claimsDBFileName   = "claims.db"
)

// Paths resolves the filesystem layout for one project.
type Paths struct {
	Root string
}

// NewPaths returns the path set for a project root, made absolute.
func NewPaths(root string) (Paths, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Paths{}, fmt.Errorf("failed to resolve project path: %w", err)
	}
	return Paths{Root: abs}, nil
}

// TasksFile returns the task store location. A root-level tasks.json wins
// when it exists; otherwise the store lives under .claude/dev-docs.
func (p Paths) TasksFile() string {
	rootLevel := filepath.Join(p.Root, tasksFileName)
	if _, err := os.Stat(rootLevel); err == nil {
		return rootLevel
	}
	return filepath.Join(p.Root, DevDocsDirName, tasksFileName)
}

// CompletionFile returns the per-session completion artifact path.
func (p Paths) CompletionFile() string {
	return filepath.Join(p.Root, DevDocsDirName, completionFileName)
}

// ScoresFile returns the per-session quality artifact path.
func (p Paths) ScoresFile() string {
	return filepath.Join(p.Root, DevDocsDirName, scoresFileName)
}

// ClaimsDB returns the claim coordinator database path.
func (p Paths) ClaimsDB() string {
	return filepath.Join(p.Root, CoordinationDirName, claimsDBFileName)
}

// SessionLog returns the combined stdout/stderr capture path for session n.
func (p Paths) SessionLog(n int) string {
	return filepath.Join(p.Root, LogsDirName, fmt.Sprintf("session-%d.log", n))
}

// PromptFile returns the prompt capture path for session n.
func (p Paths) PromptFile(n int) string {
	return filepath.Join(p.Root, LogsDirName, fmt.Sprintf("prompt-%d.txt", n))
}

// EnsureDirs creates the working directories the orchestrator needs.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{
		filepath.Join(p.Root, DevDocsDirName),
		filepath.Join(p.Root, LogsDirName),
		filepath.Join(p.Root, CoordinationDirName),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// DefaultTranscriptRoot returns the agent CLI's transcript directory, one
// subdirectory per project.
func DefaultTranscriptRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".claude", "projects")
	}
	return filepath.Join(home, ".claude", "projects")
}

// TranscriptDirName munges a project path the way the agent CLI names its
// per-project transcript directories: path separators and dots become dashes.
func TranscriptDirName(projectPath string) string {
	out := make([]rune, 0, len(projectPath))
	for _, r := range projectPath {
		switch r {
		case '/', '\\', '.', ':':
			out = append(out, '-')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
