package remote

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps a remote configuration file loaded and reloads it when it
// changes on disk. A reload that fails keeps the previous configuration.
//
// The directory containing the file is watched, so editors that replace the
// file by renaming are handled.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger

	// OnReload is called after every successful reload. Set before Start.
	OnReload func(*Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWatcher loads path and returns a watcher for it. The watcher must be
// started with Start() before it reacts to changes.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default().With("component", "remote-watcher")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	config, err := LoadConfig(absPath)
	if err != nil {
		return nil, err
	}

	w := &Watcher{path: absPath, logger: logger}
	w.current.Store(config)
	return w, nil
}

// Start begins watching the configuration file.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w.watcher = fw
	w.done = make(chan struct{})
	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching. It blocks until the event goroutine has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	return w.current.Load()
}

// Get implements Lookup on the current configuration.
func (w *Watcher) Get(id string) (Remote, bool) {
	return w.Config().Get(id)
}

// All implements Lookup on the current configuration.
func (w *Watcher) All() []Remote {
	return w.Config().All()
}

// Reload reads the file again. On error the previous configuration stays
// active.
func (w *Watcher) Reload() error {
	config, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error("failed to reload remote config, keeping previous", "path", w.path, "error", err)
		return err
	}

	w.current.Store(config)
	w.logger.Info("remote config reloaded", "path", w.path, "remotes", config.Len())
	if w.OnReload != nil {
		w.OnReload(config)
	}
	return nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				_ = w.Reload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("remote config watcher error", "error", err)
		}
	}
}

// relevant reports whether the event concerns the watched file. Only
// creates and writes trigger a reload; a removed file keeps the last
// configuration until a new one appears.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write)
}
