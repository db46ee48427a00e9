package remote

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const oneRemote = `[[remote]]
id = "one"
type = "pve"
nodes = ["pve1"]
authid = "a"
token = "t"
`

const twoRemotes = oneRemote + `
[[remote]]
id = "two"
type = "pbs"
nodes = ["pbs1"]
authid = "a"
token = "t"
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remotes.toml")
	writeConfig(t, path, oneRemote)

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	reloaded := make(chan int, 10)
	w.OnReload = func(c *Config) { reloaded <- c.Len() }

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if !w.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if len(w.All()) != 1 {
		t.Fatalf("Expected 1 remote, got %d", len(w.All()))
	}

	writeConfig(t, path, twoRemotes)
	waitFor(t, func() bool {
		_, ok := w.Get("two")
		return ok
	})

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Error("OnReload was not called")
	}
}

func TestWatcherKeepsConfigOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remotes.toml")
	writeConfig(t, path, twoRemotes)

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	writeConfig(t, path, "[[remote]")
	if err := w.Reload(); err == nil {
		t.Fatal("Expected reload error")
	}
	if len(w.All()) != 2 {
		t.Errorf("Previous config lost, have %d remotes", len(w.All()))
	}
}

func TestWatcherStartStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remotes.toml")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := w.Start(); err == nil {
		t.Error("Second Start should fail")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Second Stop should be a no-op, got %v", err)
	}
	if w.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
}
