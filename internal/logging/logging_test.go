package logging

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestDebug_DisabledInProduction(t *testing.T) {
	var buf bytes.Buffer

	logger := log.NewWithOptions(&buf, log.Options{
		ReportTimestamp: false,
		ReportCaller:    false,
	})
	logger.SetLevel(log.DebugLevel)

	appLogger := &AppLogger{
		logger: logger,
		debug:  false, // Production mode
	}

	appLogger.Debug("debug message that should not appear")

	output := buf.String()
	if strings.Contains(output, "debug message that should not appear") {
		t.Errorf("Expected debug message to be suppressed in production mode, got: %s", output)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *AppLogger

	logger.Info("ignored")
	logger.Warn("ignored")
	logger.Error("ignored")
	logger.Debug("ignored")
	logger.LogPerformance("ignored", time.Now())

	if child := logger.With("key", "value"); child != nil {
		t.Errorf("With() on nil logger = %v, want nil", child)
	}
}

func TestWith_AddsFields(t *testing.T) {
	logger, buf := NewTestLogger()

	logger.With("merge_state", "abc-123").Info("finalized")

	output := buf.String()
	if !strings.Contains(output, "finalized") {
		t.Errorf("Expected log output to contain message, got: %s", output)
	}
	if !strings.Contains(output, "abc-123") {
		t.Errorf("Expected log output to contain bound field, got: %s", output)
	}
}

func TestNewWriterLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, log.WarnLevel)

	logger.Info("quiet")
	logger.Warn("loud")

	output := buf.String()
	if strings.Contains(output, "quiet") {
		t.Errorf("Expected info entry to be filtered at warn level, got: %s", output)
	}
	if !strings.Contains(output, "loud") {
		t.Errorf("Expected warn entry in output, got: %s", output)
	}
}

func TestDebugObject(t *testing.T) {
	logger, buf := NewTestLogger()

	testObj := struct {
		Name  string
		Value int
	}{
		Name:  "test",
		Value: 42,
	}

	logger.DebugObject("test_object", testObj)

	output := buf.String()
	if !strings.Contains(output, "Object dump") {
		t.Errorf("Expected log output to contain 'Object dump', got: %s", output)
	}
	if !strings.Contains(output, "test_object") {
		t.Errorf("Expected log output to contain object name, got: %s", output)
	}
}

func TestLogPerformance(t *testing.T) {
	logger, buf := NewTestLogger()

	start := time.Now()
	time.Sleep(1 * time.Millisecond)
	logger.LogPerformance("clone_shallow_branch", start)

	output := buf.String()
	if !strings.Contains(output, "Performance") {
		t.Errorf("Expected log output to contain 'Performance', got: %s", output)
	}
	if !strings.Contains(output, "clone_shallow_branch") {
		t.Errorf("Expected log output to contain operation name, got: %s", output)
	}
}

func TestLogStateTransition(t *testing.T) {
	logger, buf := NewTestLogger()

	logger.LogStateTransition("mergestate", "conflicted", "resolved")

	output := buf.String()
	if !strings.Contains(output, "State transition") {
		t.Errorf("Expected log output to contain 'State transition', got: %s", output)
	}
	if !strings.Contains(output, "conflicted") || !strings.Contains(output, "resolved") {
		t.Errorf("Expected log output to contain both states, got: %s", output)
	}
}

func TestPackageLevelFunctions(t *testing.T) {
	defaultLogger = nil
	once = sync.Once{}

	t.Chdir(t.TempDir())
	os.Setenv("DEBUG", "1")
	defer os.Unsetenv("DEBUG")

	Info("package level info")
	Warn("package level warn")
	Error("package level error")
	Debug("package level debug")
	LogPerformance("package_operation", time.Now())

	defaultLogger = nil
	once = sync.Once{}
}

func TestGetDefault_Singleton(t *testing.T) {
	defaultLogger = nil
	once = sync.Once{}

	logger1 := GetDefault()
	logger2 := GetDefault()

	if logger1 != logger2 {
		t.Error("Expected GetDefault() to return the same instance (singleton)")
	}
}

func BenchmarkInfo(b *testing.B) {
	logger, _ := NewTestLogger()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("benchmark message", "iteration", i)
	}
}
