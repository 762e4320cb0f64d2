// Package config defines tasknerd's configuration: defaults, YAML overlay,
// .env loading, and environment variable overrides, applied in that order.
// CLI flags are bound on top by the cmd layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the orchestrator process.
type Config struct {
	ProjectPath string `yaml:"project_path"`

	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agent        AgentConfig        `yaml:"agent"`
	Tracker      TrackerConfig      `yaml:"tracker"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Registry     RegistryConfig     `yaml:"registry"`
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// OrchestratorConfig bounds the outer loop.
type OrchestratorConfig struct {
	Phase                 string `yaml:"phase"`                    // starting phase
	ContextThreshold      int    `yaml:"context_threshold"`       // percent; preempt at or above
	SessionDelayMs        int    `yaml:"session_delay_ms"`        // pause between sessions
	MaxSessions           int    `yaml:"max_sessions"`            // 0 = unlimited
	MaxIterationsPerPhase int    `yaml:"max_iterations_per_phase"`
	TaskFallback          string `yaml:"task_fallback"` // synthetic task when no store exists
}

// AgentConfig describes how the agent CLI subprocess is invoked.
type AgentConfig struct {
	Command     string   `yaml:"command"`       // binary name, resolved via PATH
	ExtraArgs   []string `yaml:"extra_args"`    // appended after the built-in args
	KillGraceMs int      `yaml:"kill_grace_ms"` // graceful-termination window before force kill
}

// TrackerConfig controls transcript discovery and context thresholds.
type TrackerConfig struct {
	TranscriptRoot string          `yaml:"transcript_root"` // default: ~/.claude/projects
	ContextLimit   int             `yaml:"context_limit"`   // model context window in tokens
	Thresholds     ThresholdConfig `yaml:"thresholds"`
}

// ThresholdConfig holds the three context-percent alert boundaries.
type ThresholdConfig struct {
	Warning   int `yaml:"warning"`
	Critical  int `yaml:"critical"`
	Emergency int `yaml:"emergency"`
}

// RateLimitConfig sets the message budgets for the three windows.
type RateLimitConfig struct {
	FiveHourLimit  int    `yaml:"five_hour_limit"`
	DailyLimit     int    `yaml:"daily_limit"`
	WeeklyLimit    int    `yaml:"weekly_limit"`
	WeeklyResetDay string `yaml:"weekly_reset_day"` // e.g. "sunday"
}

// RegistryConfig controls session reaping.
type RegistryConfig struct {
	IdleTimeoutMin int `yaml:"idle_timeout_min"` // sessions idle longer are ended
}

// ServerConfig configures the control plane.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	MaxConnections int      `yaml:"max_connections"` // listener cap; 0 = unlimited
	AllowedOrigins []string `yaml:"allowed_origins"` // empty = allow all
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ProjectPath: ".",
		Orchestrator: OrchestratorConfig{
			Phase:                 "research",
			ContextThreshold:      65,
			SessionDelayMs:        5000,
			MaxSessions:           0,
			MaxIterationsPerPhase: 10,
		},
		Agent: AgentConfig{
			Command:     "claude",
			KillGraceMs: 5000,
		},
		Tracker: TrackerConfig{
			ContextLimit: 200000,
			Thresholds: ThresholdConfig{
				Warning:   50,
				Critical:  65,
				Emergency: 75,
			},
		},
		RateLimit: RateLimitConfig{
			FiveHourLimit:  225,
			DailyLimit:     1000,
			WeeklyLimit:    5000,
			WeeklyResetDay: "sunday",
		},
		Registry: RegistryConfig{
			IdleTimeoutMin: 30,
		},
		Server: ServerConfig{
			Port:           3033,
			MaxConnections: 256,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// Load loads configuration: defaults, then the YAML file if present, then a
// .env file in the project root, then real environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Missing config file means defaults
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// .env supplies variables without clobbering the real environment.
	_ = godotenv.Load(filepath.Join(cfg.ProjectPath, ".env"))

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PROJECT_PATH"); v != "" {
		c.ProjectPath = v
	}
	if n, ok := envInt("CONTEXT_THRESHOLD"); ok {
		c.Orchestrator.ContextThreshold = n
	}
	if n, ok := envInt("SESSION_DELAY"); ok {
		c.Orchestrator.SessionDelayMs = n
	}
	if n, ok := envInt("MAX_SESSIONS"); ok {
		c.Orchestrator.MaxSessions = n
	}
	if n, ok := envInt("MAX_ITERATIONS_PER_PHASE"); ok {
		c.Orchestrator.MaxIterationsPerPhase = n
	}
	if n, ok := envInt("PORT"); ok {
		c.Server.Port = n
	}
	if n, ok := envInt("CONTEXT_ALERT_THRESHOLD_WARNING"); ok {
		c.Tracker.Thresholds.Warning = n
	}
	if n, ok := envInt("CONTEXT_ALERT_THRESHOLD_CRITICAL"); ok {
		c.Tracker.Thresholds.Critical = n
	}
	if n, ok := envInt("CONTEXT_ALERT_THRESHOLD_EMERGENCY"); ok {
		c.Tracker.Thresholds.Emergency = n
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		fmt.Fprintf(os.Stderr, "[config] ignoring %s=%q: not an integer\n", key, v)
		return 0, false
	}
	return n, true
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Orchestrator.ContextThreshold < 1 || c.Orchestrator.ContextThreshold > 100 {
		return fmt.Errorf("context_threshold must be 1-100, got %d", c.Orchestrator.ContextThreshold)
	}
	if c.Orchestrator.SessionDelayMs < 0 {
		return fmt.Errorf("session_delay_ms must be >= 0, got %d", c.Orchestrator.SessionDelayMs)
	}
	if c.Orchestrator.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must be >= 0, got %d", c.Orchestrator.MaxSessions)
	}
	if c.Orchestrator.MaxIterationsPerPhase < 1 {
		return fmt.Errorf("max_iterations_per_phase must be >= 1, got %d", c.Orchestrator.MaxIterationsPerPhase)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Server.Port)
	}
	t := c.Tracker.Thresholds
	if t.Warning < 1 || t.Critical < t.Warning || t.Emergency < t.Critical {
		return fmt.Errorf("thresholds must satisfy 1 <= warning <= critical <= emergency, got %d/%d/%d",
			t.Warning, t.Critical, t.Emergency)
	}
	if c.Tracker.ContextLimit < 1 {
		return fmt.Errorf("context_limit must be >= 1, got %d", c.Tracker.ContextLimit)
	}
	if _, err := ParseResetDay(c.RateLimit.WeeklyResetDay); err != nil {
		return err
	}
	return nil
}

// SessionDelay returns the inter-session pause as a duration.
func (c *Config) SessionDelay() time.Duration {
	return time.Duration(c.Orchestrator.SessionDelayMs) * time.Millisecond
}

// KillGrace returns the subprocess termination grace period.
func (c *Config) KillGrace() time.Duration {
	if c.Agent.KillGraceMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Agent.KillGraceMs) * time.Millisecond
}

// IdleTimeout returns the registry reaping horizon.
func (c *Config) IdleTimeout() time.Duration {
	if c.Registry.IdleTimeoutMin <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Registry.IdleTimeoutMin) * time.Minute
}

// ParseResetDay maps a weekday name to time.Weekday.
func ParseResetDay(name string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	default:
		return 0, fmt.Errorf("unknown weekly_reset_day %q", name)
	}
}
