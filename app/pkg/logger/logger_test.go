package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestInitWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir, "debug"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(Sync)

	Info("hello %s", "world")
	Debug("debug line user=%s", "u1")
	Sync()

	name := filepath.Join(dir, "elias_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello world") {
		t.Fatalf("log file missing info line: %q", string(data))
	}
	if !strings.Contains(string(data), "debug line user=u1") {
		t.Fatalf("log file missing debug line: %q", string(data))
	}
}

func TestInitLevelFiltersDebug(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir, "info"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(Sync)

	Debug("should not appear")
	Info("should appear")
	Sync()

	name := filepath.Join(dir, "elias_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "should not appear") {
		t.Fatal("debug line leaked through info level")
	}
	if !strings.Contains(string(data), "should appear") {
		t.Fatal("info line missing")
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{" WARN ", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestUninitializedLoggerDoesNotPanic(t *testing.T) {
	// base starts as a console logger; package-level funcs must be safe
	// before Init.
	Info("pre-init info")
	Warn("pre-init warn")
	With("request_id", "r1").Debugf("pre-init with")
}
