package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Orchestrator.ContextThreshold != 65 {
		t.Errorf("default context threshold = %d, want 65", cfg.Orchestrator.ContextThreshold)
	}
	if cfg.Orchestrator.SessionDelayMs != 5000 {
		t.Errorf("default session delay = %d, want 5000", cfg.Orchestrator.SessionDelayMs)
	}
	if cfg.Orchestrator.MaxIterationsPerPhase != 10 {
		t.Errorf("default max iterations = %d, want 10", cfg.Orchestrator.MaxIterationsPerPhase)
	}
	if cfg.Server.Port != 3033 {
		t.Errorf("default port = %d, want 3033", cfg.Server.Port)
	}
	if cfg.Tracker.ContextLimit != 200000 {
		t.Errorf("default context limit = %d, want 200000", cfg.Tracker.ContextLimit)
	}
	th := cfg.Tracker.Thresholds
	if th.Warning != 50 || th.Critical != 65 || th.Emergency != 75 {
		t.Errorf("default thresholds = %d/%d/%d, want 50/65/75", th.Warning, th.Critical, th.Emergency)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}
	if cfg.Orchestrator.Phase != "research" {
		t.Errorf("phase = %q, want research", cfg.Orchestrator.Phase)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasknerd.yaml")
	content := []byte(`
project_path: ` + dir + `
orchestrator:
  context_threshold: 70
  max_sessions: 12
server:
  port: 4100
ratelimit:
  weekly_reset_day: monday
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orchestrator.ContextThreshold != 70 {
		t.Errorf("context threshold = %d, want 70", cfg.Orchestrator.ContextThreshold)
	}
	if cfg.Orchestrator.MaxSessions != 12 {
		t.Errorf("max sessions = %d, want 12", cfg.Orchestrator.MaxSessions)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("port = %d, want 4100", cfg.Server.Port)
	}
	// Untouched fields keep defaults
	if cfg.Orchestrator.SessionDelayMs != 5000 {
		t.Errorf("session delay = %d, want default 5000", cfg.Orchestrator.SessionDelayMs)
	}
	day, err := ParseResetDay(cfg.RateLimit.WeeklyResetDay)
	if err != nil || day != time.Monday {
		t.Errorf("reset day = %v (%v), want Monday", day, err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONTEXT_THRESHOLD", "80")
	t.Setenv("SESSION_DELAY", "250")
	t.Setenv("MAX_SESSIONS", "3")
	t.Setenv("PORT", "9033")
	t.Setenv("CONTEXT_ALERT_THRESHOLD_WARNING", "40")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orchestrator.ContextThreshold != 80 {
		t.Errorf("context threshold = %d, want 80", cfg.Orchestrator.ContextThreshold)
	}
	if cfg.Orchestrator.SessionDelayMs != 250 {
		t.Errorf("session delay = %d, want 250", cfg.Orchestrator.SessionDelayMs)
	}
	if cfg.Orchestrator.MaxSessions != 3 {
		t.Errorf("max sessions = %d, want 3", cfg.Orchestrator.MaxSessions)
	}
	if cfg.Server.Port != 9033 {
		t.Errorf("port = %d, want 9033", cfg.Server.Port)
	}
	if cfg.Tracker.Thresholds.Warning != 40 {
		t.Errorf("warning threshold = %d, want 40", cfg.Tracker.Thresholds.Warning)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold too high", func(c *Config) { c.Orchestrator.ContextThreshold = 150 }},
		{"threshold zero", func(c *Config) { c.Orchestrator.ContextThreshold = 0 }},
		{"negative delay", func(c *Config) { c.Orchestrator.SessionDelayMs = -1 }},
		{"zero iterations", func(c *Config) { c.Orchestrator.MaxIterationsPerPhase = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"inverted thresholds", func(c *Config) { c.Tracker.Thresholds = ThresholdConfig{Warning: 80, Critical: 60, Emergency: 90} }},
		{"unknown reset day", func(c *Config) { c.RateLimit.WeeklyResetDay = "caturday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestPathsLayout(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPaths(dir)
	if err != nil {
		t.Fatalf("NewPaths: %v", err)
	}

	// Without a root-level tasks.json the store lives under dev-docs.
	want := filepath.Join(dir, ".claude", "dev-docs", "tasks.json")
	if got := p.TasksFile(); got != want {
		t.Errorf("TasksFile = %s, want %s", got, want)
	}

	// A root-level tasks.json takes precedence.
	rootLevel := filepath.Join(dir, "tasks.json")
	if err := os.WriteFile(rootLevel, []byte("{}"), 0644); err != nil {
		t.Fatalf("write tasks.json: %v", err)
	}
	if got := p.TasksFile(); got != rootLevel {
		t.Errorf("TasksFile = %s, want root-level %s", got, rootLevel)
	}

	if got := p.SessionLog(7); got != filepath.Join(dir, ".claude", "logs", "session-7.log") {
		t.Errorf("SessionLog = %s", got)
	}
	if got := p.PromptFile(7); got != filepath.Join(dir, ".claude", "logs", "prompt-7.txt") {
		t.Errorf("PromptFile = %s", got)
	}
	if got := p.ClaimsDB(); got != filepath.Join(dir, ".claude", "dev-docs", ".coordination", "claims.db") {
		t.Errorf("ClaimsDB = %s", got)
	}

	if err := p.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, sub := range []string{".claude/dev-docs", ".claude/logs", ".claude/dev-docs/.coordination"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("missing dir %s: %v", sub, err)
		}
	}
}

func TestTranscriptDirName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/root/myproj", "-root-myproj"},
		{"/home/dev/app.api", "-home-dev-app-api"},
		{`C:\work\thing`, "C--work-thing"},
	}
	for _, tt := range tests {
		if got := TranscriptDirName(tt.in); got != tt.want {
			t.Errorf("TranscriptDirName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
