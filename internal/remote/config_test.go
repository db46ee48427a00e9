package remote

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testConfig = `
[[remote]]
id = "pve-cluster"
type = "pve"
nodes = ["pve1.example.com", "pve2.example.com"]
authid = "root@pam!tasksync"
token = "secret"

[[remote]]
id = "backup"
type = "PBS"
nodes = ["https://pbs.example.com:8007/"]
authid = "root@pam!tasksync"
token = "secret"
fingerprint = "aa:bb"
requests_per_second = 2.5
`

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig([]byte(testConfig))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}

	var ids []string
	for _, r := range c.All() {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]string{"backup", "pve-cluster"}, ids); diff != "" {
		t.Errorf("Remote ids mismatch (-want +got):\n%s", diff)
	}

	pbs, ok := c.Get("backup")
	if !ok {
		t.Fatal("Remote backup not found")
	}
	if pbs.Type != TypePBS {
		t.Errorf("Type = %q, want pbs", pbs.Type)
	}
	if pbs.RequestsPerSecond != 2.5 {
		t.Errorf("RequestsPerSecond = %v, want 2.5", pbs.RequestsPerSecond)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Unknown remote must not be found")
	}
}

func TestParseConfigInvalid(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{
			name:   "syntax error",
			config: `[[remote]`,
		},
		{
			name: "unknown type",
			config: `[[remote]]
id = "x"
type = "pmg"
nodes = ["h"]
authid = "a"
token = "t"`,
		},
		{
			name: "invalid id",
			config: `[[remote]]
id = "-x"
type = "pve"
nodes = ["h"]
authid = "a"
token = "t"`,
		},
		{
			name: "no nodes",
			config: `[[remote]]
id = "x"
type = "pve"
authid = "a"
token = "t"`,
		},
		{
			name: "missing token",
			config: `[[remote]]
id = "x"
type = "pve"
nodes = ["h"]
authid = "a"`,
		},
		{
			name: "duplicate id",
			config: `[[remote]]
id = "x"
type = "pve"
nodes = ["h"]
authid = "a"
token = "t"

[[remote]]
id = "x"
type = "pbs"
nodes = ["h"]
authid = "a"
token = "t"`,
		},
		{
			name: "unknown key",
			config: `[[remote]]
id = "x"
type = "pve"
nodes = ["h"]
authid = "a"
token = "t"
password = "nope"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.config))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidConfig) && !errors.Is(err, ErrUnsupportedType) {
				t.Errorf("Unexpected error kind: %v", err)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	c, err := LoadConfig(filepath.Join(t.TempDir(), "remotes.toml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Expected empty config, got %d remotes", c.Len())
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remotes.toml")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.Len() != 2 {
		t.Errorf("Expected 2 remotes, got %d", c.Len())
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		name   string
		remote Remote
		want   string
	}{
		{
			name:   "bare pve host",
			remote: Remote{ID: "a", Type: TypePVE, Nodes: []string{"pve1"}},
			want:   "https://pve1:8006/api2/json",
		},
		{
			name:   "bare pbs host",
			remote: Remote{ID: "a", Type: TypePBS, Nodes: []string{"pbs"}},
			want:   "https://pbs:8007/api2/json",
		},
		{
			name:   "explicit url",
			remote: Remote{ID: "a", Type: TypePVE, Nodes: []string{"http://127.0.0.1:1234/"}},
			want:   "http://127.0.0.1:1234/api2/json",
		},
		{
			name:   "first node wins",
			remote: Remote{ID: "a", Type: TypePVE, Nodes: []string{"one:1", "two:2"}},
			want:   "https://one:1/api2/json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.remote.BaseURL()
			if err != nil {
				t.Fatalf("BaseURL failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("BaseURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseType(t *testing.T) {
	for _, s := range []string{"pve", "PVE", " pbs "} {
		if _, err := ParseType(s); err != nil {
			t.Errorf("ParseType(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseType("pmg"); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("Expected ErrUnsupportedType, got %v", err)
	}
}
