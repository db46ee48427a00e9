// Package taskcache implements the on-disk remote task cache.
//
// The cache directory contains:
//
//	active                unfinished tasks, sorted
//	journal               recently finished tasks, unsorted, append only
//	archive.<start>[.zst] finished tasks with starttime >= <start>, sorted
//	state                 per-node cutoffs and tracked tasks (JSON)
//	.lock                 advisory lock for the whole directory
//
// Every record is one JSON object per line. All files are sorted by start
// time descending, ties broken by ascending UPID. Files are replaced
// atomically; the state file is always written last so that a crash at worst
// causes tasks to be fetched again.
//
// Access goes through a Reader (shared lock) or Writer (exclusive lock)
// obtained from a TaskCache:
//
//	err := cache.WithWrite(func(w *taskcache.Writer) error {
//	    return w.Update(items, successMap, dropTracked)
//	})
package taskcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/tasksync/tasksync/internal/upid"
)

// Config holds tuning parameters for a TaskCache.
type Config struct {
	// MaxFiles is the number of archive segments to keep. Rotation drops the
	// oldest segments beyond this count.
	MaxFiles int

	// UncompressedFiles is the number of most recent segments kept
	// uncompressed.
	UncompressedFiles int

	// RotateAfter starts a new segment once the newest one is older than this.
	// Zero starts a new segment on every rotation check.
	RotateAfter time.Duration

	// JournalMaxSize applies the journal immediately after an update once it
	// exceeds this many bytes.
	JournalMaxSize int64

	// LockTimeout bounds the wait for the directory lock.
	LockTimeout time.Duration

	// FileMode is used for all files created in the cache directory.
	FileMode os.FileMode

	// DirMode is used when creating the cache directory.
	DirMode os.FileMode

	// Logger for cache activity
	Logger *slog.Logger
}

// DefaultConfig keeps a week of history in daily segments.
func DefaultConfig() *Config {
	return &Config{
		MaxFiles:          7,
		UncompressedFiles: 2,
		RotateAfter:       24 * time.Hour,
		JournalMaxSize:    5 * 1024 * 1024,
		LockTimeout:       10 * time.Second,
		FileMode:          0o640,
		DirMode:           0o750,
		Logger:            slog.Default().With("component", "taskcache"),
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.MaxFiles < 1 {
		return fmt.Errorf("max files must be at least 1, got %d", c.MaxFiles)
	}
	if c.UncompressedFiles < 0 || c.UncompressedFiles > c.MaxFiles {
		return fmt.Errorf("uncompressed files must be between 0 and %d, got %d", c.MaxFiles, c.UncompressedFiles)
	}
	if c.RotateAfter < 0 {
		return fmt.Errorf("rotate after cannot be negative")
	}
	if c.JournalMaxSize < 0 {
		return fmt.Errorf("journal max size cannot be negative")
	}
	return nil
}

// Lookback is the history window covered by a full set of segments.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.MaxFiles) * c.RotateAfter
}

// TaskCache describes a cache directory. It holds no open resources; locks
// are taken per Reader/Writer.
type TaskCache struct {
	dir    string
	config *Config
	logger *slog.Logger
}

// New creates a TaskCache for dir with default configuration.
func New(dir string) (*TaskCache, error) {
	return NewWithConfig(dir, DefaultConfig())
}

// NewWithConfig creates a TaskCache with custom configuration.
func NewWithConfig(dir string, config *Config) (*TaskCache, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task cache config: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "taskcache")
	}

	return &TaskCache{dir: dir, config: config, logger: logger}, nil
}

// Dir returns the cache directory.
func (c *TaskCache) Dir() string { return c.dir }

// Config returns the cache configuration.
func (c *TaskCache) Config() *Config { return c.config }

func (c *TaskCache) path(name string) string {
	return filepath.Join(c.dir, name)
}

func (c *TaskCache) lock(exclusive bool) (*os.File, error) {
	if err := os.MkdirAll(c.dir, c.config.DirMode); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return lockFile(c.path(lockFilename), exclusive, c.config.LockTimeout, c.config.FileMode)
}

// Read locks the cache for reading. The returned Reader must be closed.
func (c *TaskCache) Read() (*Reader, error) {
	f, err := c.lock(false)
	if err != nil {
		return nil, err
	}
	return &Reader{cache: c, lock: f}, nil
}

// Write locks the cache for writing. The returned Writer must be closed.
func (c *TaskCache) Write() (*Writer, error) {
	f, err := c.lock(true)
	if err != nil {
		return nil, err
	}
	return &Writer{Reader: Reader{cache: c, lock: f}}, nil
}

// WithRead runs fn with a Reader and releases the lock afterwards.
func (c *TaskCache) WithRead(fn func(r *Reader) error) error {
	r, err := c.Read()
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}

// WithWrite runs fn with a Writer and releases the lock afterwards.
func (c *TaskCache) WithWrite(fn func(w *Writer) error) error {
	w, err := c.Write()
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(w)
}

// Mode selects which tasks GetTasks returns.
type Mode int

const (
	// All returns running and finished tasks.
	All Mode = iota
	// Active returns only running tasks.
	Active
	// Archived returns only finished tasks.
	Archived
)

func (m Mode) String() string {
	switch m {
	case All:
		return "all"
	case Active:
		return "active"
	case Archived:
		return "archived"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Reader is a TaskCache locked for reading.
type Reader struct {
	cache *TaskCache
	lock  *os.File
}

// Close releases the lock. Close is idempotent.
func (r *Reader) Close() error {
	if r.lock == nil {
		return nil
	}
	err := r.lock.Close()
	r.lock = nil
	return err
}

func (r *Reader) checkOpen() error {
	if r.lock == nil {
		return ErrClosed
	}
	return nil
}

// ReadState reads the state file. A missing or unreadable state file yields
// an empty state; read failures are logged.
func (r *Reader) ReadState() *State {
	return r.cache.readState()
}

// GetTasks returns the cached tasks of the given mode, sorted by Compare.
// The journal is loaded eagerly; segments are read lazily while ranging.
// The sequence must only be consumed while the handle is open.
func (r *Reader) GetTasks(mode Mode) (iter.Seq[Item], error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	c := r.cache
	logger := c.logger

	var active iter.Seq[Item]
	activeFile := ArchiveFile{Path: c.path(activeFilename)}
	if _, err := os.Stat(activeFile.Path); err == nil {
		active = activeFile.items(logger)
	} else if errors.Is(err, os.ErrNotExist) {
		active = slices.Values([]Item(nil))
	} else {
		return nil, fmt.Errorf("failed to stat active file: %w", err)
	}

	if mode == Active {
		return active, nil
	}

	journal, err := c.loadJournal()
	if err != nil {
		return nil, err
	}

	files, err := c.archiveFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to list archive files: %w", err)
	}

	segments := make([]iter.Seq[Item], 0, len(files))
	for _, f := range files {
		segments = append(segments, f.items(logger))
	}
	archived := concat(segments...)

	switch mode {
	case All:
		return mergeAll(slices.Values(journal), active, archived), nil
	case Archived:
		return Merge(slices.Values(journal), archived), nil
	default:
		return nil, fmt.Errorf("unknown mode %v", mode)
	}
}

// ArchiveFiles lists the segments, newest first.
func (r *Reader) ArchiveFiles() ([]ArchiveFile, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	return r.cache.archiveFiles()
}

// JournalSize returns the size of the journal in bytes, 0 if it does not
// exist.
func (r *Reader) JournalSize() (int64, error) {
	return r.cache.journalSize()
}

// Writer is a TaskCache locked for writing.
type Writer struct {
	Reader
}

// Init creates the active file if needed and, if there are no segments yet,
// a ladder of empty segments bound at now, now-RotateAfter, ... so that an
// empty cache can take back-filled history. Leftover temporary files are
// removed. now is in seconds since the UNIX epoch.
func (w *Writer) Init(now int64) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	c := w.cache

	if err := c.cleanup(); err != nil {
		return err
	}

	activePath := c.path(activeFilename)
	f, err := os.OpenFile(activePath, os.O_WRONLY|os.O_CREATE, c.config.FileMode)
	if err != nil {
		return fmt.Errorf("failed to create active file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close active file: %w", err)
	}

	files, err := c.archiveFiles()
	if err != nil {
		return fmt.Errorf("failed to list archive files: %w", err)
	}
	if len(files) > 0 {
		return nil
	}

	// Without a rotation interval all bounds would coincide.
	step := c.rotateAfterSeconds()
	count := c.config.MaxFiles
	if step <= 0 {
		count = 1
	}
	for i := range count {
		if _, err := w.NewFile(now-int64(i)*step, i >= c.config.UncompressedFiles); err != nil {
			return err
		}
	}

	c.logger.Info("initialized task cache", "dir", c.dir, "segments", count)
	return nil
}

// NewFile creates an empty segment bound at start.
func (w *Writer) NewFile(start int64, compress bool) (ArchiveFile, error) {
	if err := w.checkOpen(); err != nil {
		return ArchiveFile{}, err
	}
	return createArchiveFile(w.cache.dir, start, compress, w.cache.config.FileMode)
}

// Rotate starts a new segment if there is none or the newest one is older
// than RotateAfter, folding the journal into the archive when it does. It then
// drops segments beyond MaxFiles and compresses all but the newest
// UncompressedFiles. It reports whether a new segment was started.
func (w *Writer) Rotate(now int64) (bool, error) {
	if err := w.checkOpen(); err != nil {
		return false, err
	}
	c := w.cache

	files, err := c.archiveFiles()
	if err != nil {
		return false, fmt.Errorf("failed to list archive files: %w", err)
	}

	rotated := false
	if len(files) == 0 || (now > files[0].StartTime && now-files[0].StartTime > c.rotateAfterSeconds()) {
		f, err := w.NewFile(now, c.config.UncompressedFiles == 0)
		if err != nil {
			return false, err
		}
		files = slices.Insert(files, 0, f)

		if err := w.ApplyJournal(); err != nil {
			return false, err
		}
		rotated = true
	}

	for len(files) > c.config.MaxFiles {
		oldest := files[len(files)-1]
		if err := os.Remove(oldest.Path); err != nil {
			return rotated, fmt.Errorf("failed to remove %s: %w", oldest.Path, err)
		}
		c.logger.Debug("removed expired archive file", "path", oldest.Path)
		files = files[:len(files)-1]
	}

	for i := c.config.UncompressedFiles; i < len(files); i++ {
		if files[i].Compressed {
			continue
		}
		if err := files[i].compress(c.config.FileMode); err != nil {
			return rotated, fmt.Errorf("failed to compress %s: %w", files[i].Path, err)
		}
	}

	return rotated, nil
}

// ApplyJournal merges all journal entries into the archive segments and
// truncates the journal. Entries older than the oldest segment expire.
func (w *Writer) ApplyJournal() error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	c := w.cache
	start := time.Now()

	journalPath := c.path(journalFilename)
	if _, err := os.Stat(journalPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	tasks, err := c.loadJournal()
	if err != nil {
		return err
	}

	if err := w.mergeIntoArchive(tasks); err != nil {
		return err
	}

	if err := os.Truncate(journalPath, 0); err != nil {
		return fmt.Errorf("failed to truncate journal file: %w", err)
	}

	c.logger.Info("applied task cache journal", "tasks", len(tasks), "duration", time.Since(start))
	return nil
}

// Update ingests new tasks.
//
// Running tasks replace their entry in the active file. Finished tasks are
// removed from the active file and appended to the journal; for each of them
// the cutoff of its node advances if successMap marks that node successful.
// Tasks in dropTracked are removed from the active file and the tracked set.
// The active file is rewritten before the state file. If the journal grew
// beyond JournalMaxSize it is applied right away.
func (w *Writer) Update(newTasks []Item, successMap *NodeFetchSuccessMap, dropTracked []upid.RemoteUPID) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	c := w.cache

	for _, task := range newTasks {
		if err := task.Validate(); err != nil {
			return err
		}
	}

	drop := make(map[upid.RemoteUPID]struct{}, len(dropTracked))
	for _, u := range dropTracked {
		drop[u] = struct{}{}
	}

	activeSeq, err := w.GetTasks(Active)
	if err != nil {
		return fmt.Errorf("failed to read active tasks: %w", err)
	}
	active := make(map[upid.RemoteUPID]Item)
	for task := range activeSeq {
		if _, ok := drop[task.UPID]; !ok {
			active[task.UPID] = task
		}
	}

	var finished []Item
	for _, task := range newTasks {
		if task.Finished() {
			finished = append(finished, task)
		} else {
			active[task.UPID] = task
		}
	}

	state := c.readState()
	for u := range drop {
		state.removeTrackedTask(u)
	}

	if err := w.appendToJournal(finished, active, successMap, state); err != nil {
		return err
	}

	if err := c.writeActive(slices.Collect(maps.Values(active))); err != nil {
		return fmt.Errorf("failed to write active task file: %w", err)
	}
	if err := c.writeState(state); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return w.applyJournalIfTooLarge()
}

// AddTrackedTask adds a task started by this system. It is inserted into the
// active file and the tracked set so that it is visible and polled before
// the remote lists it.
func (w *Writer) AddTrackedTask(task Item) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if err := task.Validate(); err != nil {
		return err
	}
	c := w.cache

	state := c.readState()

	activeSeq, err := w.GetTasks(Active)
	if err != nil {
		return fmt.Errorf("failed to read active tasks: %w", err)
	}
	tasks := make([]Item, 0)
	for t := range activeSeq {
		if t.UPID != task.UPID {
			tasks = append(tasks, t)
		}
	}
	tasks = append(tasks, task)

	state.addTrackedTask(task.UPID)

	if err := c.writeActive(tasks); err != nil {
		return fmt.Errorf("failed to write active task file: %w", err)
	}
	if err := c.writeState(state); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// appendToJournal appends finished tasks to the journal and advances
// cutoffs. Tasks whose UPID cannot be parsed are logged and skipped.
func (w *Writer) appendToJournal(tasks []Item, active map[upid.RemoteUPID]Item, successMap *NodeFetchSuccessMap, state *State) error {
	c := w.cache

	f, err := os.OpenFile(c.path(journalFilename), os.O_WRONLY|os.O_APPEND|os.O_CREATE, c.config.FileMode)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var accepted []Item
	for _, task := range tasks {
		delete(active, task.UPID)

		node, err := task.UPID.NodeKey()
		if err != nil {
			c.logger.Error("could not parse UPID, not saving to task cache", "upid", task.UPID.String(), "error", err)
			continue
		}
		if successMap.Successful(task.UPID.Remote(), node) {
			state.updateCutoff(task.UPID.Remote(), node, task.StartTime)
		}
		accepted = append(accepted, task)
	}

	if err := writeItems(f, slices.Values(accepted)); err != nil {
		return fmt.Errorf("failed to append to journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return f.Close()
}

func (w *Writer) applyJournalIfTooLarge() error {
	size, err := w.cache.journalSize()
	if err != nil {
		return err
	}
	if size > w.cache.config.JournalMaxSize {
		w.cache.logger.Info("task cache journal too large, applying early", "size", size)
		if err := w.ApplyJournal(); err != nil {
			return fmt.Errorf("could not apply journal early: %w", err)
		}
	}
	return nil
}

// mergeIntoArchive distributes tasks, sorted by Compare, over the segments.
// Each segment receives the tasks with starttime >= its bound that are
// younger than the previous segment's bound. Tasks older than the oldest
// segment are dropped.
func (w *Writer) mergeIntoArchive(tasks []Item) error {
	c := w.cache

	files, err := c.archiveFiles()
	if err != nil {
		return fmt.Errorf("failed to list archive files: %w", err)
	}
	if len(files) == 0 {
		return nil
	}

	current := 0
	var pending []Item
	for _, task := range tasks {
		for current+1 < len(files) && task.StartTime < files[current].StartTime {
			if err := c.mergeSingleFile(pending, files[current]); err != nil {
				return err
			}
			pending = nil
			current++
		}
		if task.StartTime < files[current].StartTime {
			continue
		}
		pending = append(pending, task)
	}

	return c.mergeSingleFile(pending, files[current])
}

// mergeSingleFile rewrites file with its existing content merged with tasks.
func (c *TaskCache) mergeSingleFile(tasks []Item, file ArchiveFile) error {
	if len(tasks) == 0 {
		return nil
	}

	err := replaceFile(file.Path, c.config.FileMode, func(out io.Writer) error {
		dst := out
		finish := func() error { return nil }
		if file.Compressed {
			var err error
			dst, finish, err = compressedWriter(out)
			if err != nil {
				return err
			}
		}

		existing := skipErrors(file.Records(), c.logger, "could not read task while merging", "path", file.Path)
		if err := writeItems(dst, Merge(existing, slices.Values(tasks))); err != nil {
			return err
		}
		return finish()
	})
	if err != nil {
		return fmt.Errorf("failed to merge archive file %s: %w", file.Path, err)
	}
	return nil
}

// archiveFiles lists segments sorted newest first. If a segment exists both
// compressed and uncompressed, the compressed copy is used.
func (c *TaskCache) archiveFiles() ([]ArchiveFile, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}

	byStart := make(map[int64]ArchiveFile)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f, ok := parseArchiveFilename(filepath.Join(c.dir, entry.Name()))
		if !ok {
			continue
		}
		if existing, ok := byStart[f.StartTime]; ok && existing.Compressed {
			continue
		}
		byStart[f.StartTime] = f
	}

	files := slices.Collect(maps.Values(byStart))
	slices.SortFunc(files, func(a, b ArchiveFile) int {
		switch {
		case a.StartTime > b.StartTime:
			return -1
		case a.StartTime < b.StartTime:
			return 1
		}
		return 0
	})
	return files, nil
}

// cleanup removes temporary files and uncompressed segments that were left
// behind by an interrupted compression.
func (c *TaskCache) cleanup() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	compressed := make(map[int64]bool)
	var uncompressed []ArchiveFile
	for _, entry := range entries {
		name := entry.Name()
		if isTempFile(name) {
			path := c.path(name)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove stale temporary file %s: %w", path, err)
			}
			c.logger.Warn("removed stale temporary file", "path", path)
			continue
		}
		f, ok := parseArchiveFilename(c.path(name))
		if !ok {
			continue
		}
		if f.Compressed {
			compressed[f.StartTime] = true
		} else {
			uncompressed = append(uncompressed, f)
		}
	}

	for _, f := range uncompressed {
		if !compressed[f.StartTime] {
			continue
		}
		if err := os.Remove(f.Path); err != nil {
			return fmt.Errorf("failed to remove duplicate archive file %s: %w", f.Path, err)
		}
		c.logger.Warn("removed uncompressed duplicate of compressed archive file", "path", f.Path)
	}
	return nil
}

// loadJournal reads the whole journal, sorted and deduplicated. Corrupt
// records are logged and skipped. A missing journal is empty.
func (c *TaskCache) loadJournal() ([]Item, error) {
	f, err := os.Open(c.path(journalFilename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var tasks []Item
	for task := range skipErrors(readRecords(f), c.logger, "could not read task from journal") {
		tasks = append(tasks, task)
	}
	return sortItems(tasks), nil
}

func (c *TaskCache) journalSize() (int64, error) {
	info, err := os.Stat(c.path(journalFilename))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat journal file: %w", err)
	}
	return info.Size(), nil
}

func (c *TaskCache) writeActive(tasks []Item) error {
	tasks = sortItems(tasks)
	return replaceFile(c.path(activeFilename), c.config.FileMode, func(w io.Writer) error {
		return writeItems(w, slices.Values(tasks))
	})
}

func (c *TaskCache) readState() *State {
	data, err := os.ReadFile(c.path(stateFilename))
	if errors.Is(err, os.ErrNotExist) {
		return NewState()
	}
	if err != nil {
		c.logger.Error("could not read state file", "error", err)
		return NewState()
	}

	state := NewState()
	if err := state.UnmarshalJSON(data); err != nil {
		c.logger.Error("could not parse state file", "error", err)
		return NewState()
	}
	return state
}

func (c *TaskCache) writeState(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	return replaceFile(c.path(stateFilename), c.config.FileMode, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func (c *TaskCache) rotateAfterSeconds() int64 {
	return int64(c.config.RotateAfter / time.Second)
}
