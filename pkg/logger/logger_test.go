package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestInitLoggerDefaults(t *testing.T) {
	l := InitLogger(LogConfig{})
	if l == nil || l.Logger == nil || l.sugar == nil {
		t.Fatalf("expected initialized logger, got %+v", l)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
		"bogus":   zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileOutputRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.log")
	l := InitLogger(LogConfig{Level: "info", Format: "json", Output: path})
	l.Info("hello")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("log file missing entry: %q", data)
	}
}

func TestBadFileFallsBackToStderr(t *testing.T) {
	l := InitLogger(LogConfig{Output: "/nonexistent/dir/core.log"})
	if l == nil {
		t.Fatal("expected fallback logger")
	}
	l.Info("still works")
}

func TestGlobalLogger(t *testing.T) {
	prev := L()
	defer SetGlobalLogger(prev)

	l := InitGlobalLogger(LogConfig{Level: "debug", Format: "text"})
	if L() != l {
		t.Fatal("global logger not installed")
	}
	SetGlobalLogger(nil)
	if L() != l {
		t.Fatal("nil must not replace the global logger")
	}
}
