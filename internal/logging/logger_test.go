package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func resetState() {
	CloseAll()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	opts = Options{}
}

// TestAllCategoriesLog tests that all categories create log files when enabled
func TestAllCategoriesLog(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()
	if err := Initialize(tempDir, Options{Enabled: true, Level: "debug"}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	defer resetState()

	categories := []Category{
		CategoryBoot,
		CategoryOrchestrator,
		CategoryTask,
		CategoryClaims,
		CategoryRegistry,
		CategoryTracker,
		CategoryRateLimit,
		CategoryServer,
	}

	for _, cat := range categories {
		Get(cat).Info("test message for %s", cat)
	}
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(tempDir, ".claude", "logs"))
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	found := make(map[string]bool)
	for _, e := range entries {
		for _, cat := range categories {
			if strings.HasSuffix(e.Name(), "_"+string(cat)+".log") {
				found[string(cat)] = true
			}
		}
	}
	for _, cat := range categories {
		if !found[string(cat)] {
			t.Errorf("No log file created for category %s", cat)
		}
	}
}

func TestDisabledLoggingIsNoop(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()
	if err := Initialize(tempDir, Options{Enabled: false}); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	defer resetState()

	Orchestrator("should not be written")
	TaskError("should not be written either")

	if _, err := os.Stat(filepath.Join(tempDir, ".claude", "logs")); !os.IsNotExist(err) {
		t.Error("Logs directory should not exist when logging is disabled")
	}
}

func TestCategoryFilter(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()
	err = Initialize(tempDir, Options{
		Enabled: true,
		Level:   "info",
		Categories: map[string]bool{
			"task":   true,
			"claims": false,
		},
	})
	if err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	defer resetState()

	if !IsCategoryEnabled(CategoryTask) {
		t.Error("task category should be enabled")
	}
	if IsCategoryEnabled(CategoryClaims) {
		t.Error("claims category should be disabled")
	}
	// Unlisted categories default to enabled
	if !IsCategoryEnabled(CategoryServer) {
		t.Error("unlisted category should default to enabled")
	}
}

func TestLevelFiltering(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()
	if err := Initialize(tempDir, Options{Enabled: true, Level: "warn"}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	defer resetState()

	l := Get(CategoryTracker)
	l.Debug("debug line")
	l.Info("info line")
	l.Warn("warn line")
	l.Error("error line")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(tempDir, ".claude", "logs"))
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected one log file, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(tempDir, ".claude", "logs", entries[0].Name()))
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	content := string(data)

	if strings.Contains(content, "debug line") || strings.Contains(content, "info line") {
		t.Error("Lines below warn level should be filtered")
	}
	if !strings.Contains(content, "warn line") || !strings.Contains(content, "error line") {
		t.Error("Warn and error lines should be written")
	}
}

func TestConcurrentGet(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()
	if err := Initialize(tempDir, Options{Enabled: true, Level: "debug"}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	defer resetState()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			Get(CategoryOrchestrator).Info("concurrent write %d", n)
		}(i)
	}
	wg.Wait()

	loggersMu.RLock()
	defer loggersMu.RUnlock()
	if len(loggers) != 1 {
		t.Errorf("Expected a single logger instance for the category, got %d", len(loggers))
	}
}

func TestJSONFormat(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()
	if err := Initialize(tempDir, Options{Enabled: true, Level: "info", JSONFormat: true}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	defer resetState()

	Get(CategoryRateLimit).Info("json payload %d", 42)
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(tempDir, ".claude", "logs"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("Expected a log file: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(tempDir, ".claude", "logs", entries[0].Name()))
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"cat":"ratelimit"`) {
		t.Errorf("Expected JSON formatted entry, got: %s", data)
	}
}
