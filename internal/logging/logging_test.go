package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: " error ", want: slog.LevelError},
		{in: "trace", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "json", modify: func(c *Config) { c.Format = "json" }},
		{name: "bad format", modify: func(c *Config) { c.Format = "xml" }, wantErr: true},
		{name: "bad level", modify: func(c *Config) { c.Level = "loud" }, wantErr: true},
		{name: "negative size", modify: func(c *Config) { c.MaxSizeMB = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	c := DefaultConfig()
	c.Format = "json"
	c.Level = "warn"

	logger, err := New(c, &buf)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("hidden")
	Component(logger, "cache").Warn("shown", "segment", "archive.1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line, got %d: %q", len(lines), buf.String())
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("Failed to parse record: %v", err)
	}
	if record["msg"] != "shown" || record["component"] != "cache" || record["segment"] != "archive.1" {
		t.Errorf("Unexpected record: %v", record)
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(DefaultConfig(), &buf)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Debug("hidden")
	logger.Info("tick", "polled", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("Debug message must be filtered at info level")
	}
	if !strings.Contains(out, "msg=tick") || !strings.Contains(out, "polled=3") {
		t.Errorf("Unexpected output: %q", out)
	}
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasksync.log")
	c := DefaultConfig()
	c.File = path

	w := c.Writer()
	logger, err := New(c, w)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	logger.Info("written to file")
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("Log file missing message: %q", data)
	}
}

func TestSetupRejectsInvalidConfig(t *testing.T) {
	c := DefaultConfig()
	c.Level = "nope"
	if _, _, err := Setup(c); err == nil {
		t.Error("Expected error for invalid level")
	}
}
