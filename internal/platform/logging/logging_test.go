package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuild_JSONOutsideDevelopment(t *testing.T) {
	var buf bytes.Buffer
	logger := build(Options{Env: "production", Level: "info"}, &buf)
	logger.Debug().Msg("hidden")
	logger.Info().Str("order_id", "o-1").Msg("order created")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug line should be filtered at info level")
	}
	if !strings.Contains(out, `"order_id":"o-1"`) || !strings.Contains(out, `"service":"clinicalrecord"`) {
		t.Errorf("expected structured JSON line, got %q", out)
	}
}

func TestBuild_ConsoleInDevelopment(t *testing.T) {
	var buf bytes.Buffer
	logger := build(Options{Env: "development"}, &buf)
	logger.Info().Msg("hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected console output, got %q", buf.String())
	}
}

func TestBuild_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clinicalrecord.log")
	var buf bytes.Buffer
	logger := build(Options{Env: "production", File: path}, &buf)
	logger.Warn().Msg("to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"to file"`) {
		t.Errorf("log file missing entry: %q", data)
	}
	if !strings.Contains(buf.String(), "to file") {
		t.Error("stdout should still receive the entry")
	}
}
