// Package daemon provides the synchronization scheduler that keeps the task
// cache in step with the configured remotes.
//
// Every tick the scheduler:
//  1. Rotates the archive if a rotation check is due
//  2. Applies the journal if due
//  3. Polls tracked tasks, and all active tasks if an active poll is due
//  4. Fetches task lists from all remotes if a fetch is due, otherwise only
//     from remotes with newly finished tasks
//  5. Writes new tasks, cutoffs and the tracked set to the cache
//
// Tick errors are logged; the loop continues with the next tick.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasksync/tasksync/internal/fetcher"
	"github.com/tasksync/tasksync/internal/metrics"
	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/taskcache"
	"github.com/tasksync/tasksync/internal/upid"
)

// Config holds configuration for the scheduler.
type Config struct {
	// PollInterval is the tick rate. Tracked tasks are polled every tick.
	PollInterval time.Duration

	// FetchInterval is how often task lists of all remotes are fetched.
	FetchInterval time.Duration

	// ActivePollInterval is how often all active tasks, not only tracked
	// ones, are polled.
	ActivePollInterval time.Duration

	// RotateCheckInterval is how often archive rotation is checked.
	RotateCheckInterval time.Duration

	// JournalApplyInterval is how often the journal is merged into the
	// archive.
	JournalApplyInterval time.Duration

	// MaxConnections caps concurrent requests across all remotes.
	MaxConnections int

	// MaxConnectionsPerRemote caps concurrent requests to one remote.
	MaxConnectionsPerRemote int

	// MaxTasksToFetch is the limit passed to task list requests.
	MaxTasksToFetch int

	// Lookback bounds the first fetch of a node without a cutoff. Zero
	// uses the history window of the cache.
	Lookback time.Duration

	// NewClient creates remote API clients. Defaults to remote.NewClient.
	NewClient fetcher.ClientFactory

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Observer receives scheduler events.
	Observer Observer

	// Logger for scheduler activity
	Logger *slog.Logger
}

// DefaultConfig returns the default intervals and limits.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:            10 * time.Second,
		FetchInterval:           600 * time.Second,
		ActivePollInterval:      600 * time.Second,
		RotateCheckInterval:     3600 * time.Second,
		JournalApplyInterval:    3600 * time.Second,
		MaxConnections:          fetcher.DefaultMaxConnections,
		MaxConnectionsPerRemote: fetcher.DefaultMaxConnectionsPerRemote,
		MaxTasksToFetch:         5000,
		NewClient:               remote.NewClient,
		Now:                     time.Now,
		Observer:                NopObserver{},
		Logger:                  slog.Default().With("component", "scheduler"),
	}
}

// Validate checks intervals and limits.
func (c *Config) Validate() error {
	intervals := map[string]time.Duration{
		"poll interval":          c.PollInterval,
		"fetch interval":         c.FetchInterval,
		"active poll interval":   c.ActivePollInterval,
		"rotate check interval":  c.RotateCheckInterval,
		"journal apply interval": c.JournalApplyInterval,
	}
	for name, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxConnections < 1 || c.MaxConnectionsPerRemote < 1 {
		return fmt.Errorf("connection limits must be at least 1")
	}
	if c.MaxTasksToFetch < 1 {
		return fmt.Errorf("max tasks to fetch must be at least 1, got %d", c.MaxTasksToFetch)
	}
	if c.Lookback < 0 {
		return fmt.Errorf("lookback cannot be negative")
	}
	return nil
}

// Scheduler synchronizes remote tasks into a task cache.
type Scheduler struct {
	cache   *taskcache.TaskCache
	remotes remote.Lookup
	config  *Config
	fetcher *fetcher.Fetcher
	logger  *slog.Logger

	// state is only touched by Tick; tickMu serializes ticks.
	state  taskState
	tickMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler with default configuration.
func New(cache *taskcache.TaskCache, remotes remote.Lookup) (*Scheduler, error) {
	return NewWithConfig(cache, remotes, DefaultConfig())
}

// NewWithConfig creates a scheduler with custom configuration. Unset
// function fields and the logger fall back to the defaults.
func NewWithConfig(cache *taskcache.TaskCache, remotes remote.Lookup, config *Config) (*Scheduler, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if remotes == nil {
		return nil, fmt.Errorf("remotes cannot be nil")
	}

	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	c := *config
	if c.NewClient == nil {
		c.NewClient = defaults.NewClient
	}
	if c.Now == nil {
		c.Now = defaults.Now
	}
	if c.Observer == nil {
		c.Observer = defaults.Observer
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}
	if c.Lookback == 0 {
		c.Lookback = cache.Config().Lookback()
	}

	f, err := fetcher.New(&fetcher.Config{
		MaxConnections:          c.MaxConnections,
		MaxConnectionsPerRemote: c.MaxConnectionsPerRemote,
		NewClient:               c.NewClient,
		Logger:                  c.Logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cache:   cache,
		remotes: remotes,
		config:  &c,
		fetcher: f,
		logger:  c.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start initializes the cache and runs the tick loop. The first tick is
// aligned to the next multiple of the poll interval.
//
// This blocks until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "poll_interval", s.config.PollInterval)

	if err := s.InitCache(); err != nil {
		s.logger.Error("error when initializing task cache", "error", err)
	}

	s.wg.Add(1)
	go s.run()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
		return s.Stop()
	case <-s.ctx.Done():
		return nil
	}
}

// Stop cancels the tick loop and waits for a running tick to finish.
func (s *Scheduler) Stop() error {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
	return nil
}

// InitCache prepares the cache directory so that history can be back
// filled on a fresh install.
func (s *Scheduler) InitCache() error {
	return s.cache.WithWrite(func(w *taskcache.Writer) error {
		return w.Init(s.config.Now().Unix())
	})
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	timer := time.NewTimer(nextAlignedDelay(s.config.Now(), s.config.PollInterval))
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Error("error when fetching remote tasks", "error", err)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// nextAlignedDelay returns the time until the next wall clock multiple of
// interval.
func nextAlignedDelay(now time.Time, interval time.Duration) time.Duration {
	secs := int64(interval / time.Second)
	if secs <= 0 {
		return interval
	}
	return time.Duration(secs-now.Unix()%secs)*time.Second - time.Duration(now.Nanosecond())
}

// Tick runs a single scheduler round.
func (s *Scheduler) Tick(ctx context.Context) (summary TickSummary, err error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	summary = TickSummary{ID: uuid.NewString(), Started: s.config.Now()}
	logger := s.logger.With("tick", summary.ID)

	defer func() {
		summary.Duration = s.config.Now().Sub(summary.Started)
		metrics.TickDuration.Observe(summary.Duration.Seconds())
		if err != nil {
			metrics.TickTotal.WithLabelValues("error").Inc()
		} else {
			metrics.TickTotal.WithLabelValues("ok").Inc()
		}
		s.recordCacheMetrics()
		s.config.Observer.OnTickComplete(summary, err)
	}()

	now := summary.Started

	if isDue(s.state.lastRotateCheck, s.config.RotateCheckInterval, now) {
		logger.Debug("checking if remote task archive should be rotated")
		var rotated bool
		err := s.cache.WithWrite(func(w *taskcache.Writer) error {
			var err error
			rotated, err = w.Rotate(now.Unix())
			return err
		})
		if err != nil {
			return summary, fmt.Errorf("failed to rotate archive: %w", err)
		}
		if rotated {
			logger.Info("rotated remote task archive")
			summary.Rotated = true
			metrics.Rotations.Inc()
			s.config.Observer.OnRotated(now)
		}
		s.state.lastRotateCheck = now
	}

	if isDue(s.state.lastJournalApply, s.config.JournalApplyInterval, now) {
		err := s.cache.WithWrite(func(w *taskcache.Writer) error {
			return w.ApplyJournal()
		})
		if err != nil {
			return summary, fmt.Errorf("failed to apply journal: %w", err)
		}
		summary.JournalApplied = true
		metrics.JournalApplications.Inc()
		s.config.Observer.OnJournalApplied()
		s.state.lastJournalApply = now
	}

	pollActive := isDue(s.state.lastActivePoll, s.config.ActivePollInterval, now)
	state, toPoll, err := s.tasksToPoll(pollActive)
	if err != nil {
		return summary, err
	}
	metrics.TrackedTasks.Set(float64(len(state.TrackedTasks())))

	clients := newClientCache(s.config.NewClient)
	pollResults := s.pollTasks(ctx, toPoll, clients)
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if pollActive {
		s.state.lastActivePoll = now
	}

	var dropTracked []upid.RemoteUPID
	needsUpdate := false
	for u, result := range pollResults {
		metrics.PollResults.WithLabelValues(result.String()).Inc()
		switch result {
		case PollFinished:
			summary.Finished++
			s.config.Observer.OnTaskFinished(u)
		case PollRequestError:
			summary.RequestErrors++
			needsUpdate = true
		case PollRemoteGone:
			summary.RemotesGone++
			needsUpdate = true
		}
		if result.dropsTracking() {
			dropTracked = append(dropTracked, u)
		}
	}
	summary.Polled = len(pollResults)

	var remotes []remote.Remote
	if isDue(s.state.lastFetch, s.config.FetchInterval, now) {
		s.state.lastFetch = now
		remotes = s.remotes.All()
	} else {
		remotes = s.remotesWithFinishedTasks(pollResults)
	}
	summary.RemotesFetched = len(remotes)

	var tasks []taskcache.Item
	successMap := taskcache.NewNodeFetchSuccessMap()
	if len(remotes) > 0 {
		tasks, successMap = s.fetchRemotes(ctx, remotes, state, now, clients)
		if err := ctx.Err(); err != nil {
			return summary, err
		}
	}
	summary.TasksFetched = len(tasks)

	if len(tasks) == 0 && !needsUpdate {
		return summary, nil
	}

	err = s.cache.WithWrite(func(w *taskcache.Writer) error {
		return w.Update(tasks, successMap, dropTracked)
	})
	if err != nil {
		return summary, fmt.Errorf("failed to update task cache: %w", err)
	}
	summary.CacheUpdated = true
	metrics.TasksIngested.Add(float64(len(tasks)))

	logger.Debug("tick complete",
		"polled", summary.Polled,
		"finished", summary.Finished,
		"remotes", summary.RemotesFetched,
		"tasks", summary.TasksFetched)
	return summary, nil
}

// tasksToPoll reads the state and returns the tracked tasks, plus all
// active tasks if includeActive is set.
func (s *Scheduler) tasksToPoll(includeActive bool) (*taskcache.State, []upid.RemoteUPID, error) {
	var state *taskcache.State
	var toPoll []upid.RemoteUPID

	err := s.cache.WithRead(func(r *taskcache.Reader) error {
		state = r.ReadState()
		toPoll = state.TrackedTasks()
		if !includeActive {
			return nil
		}

		active, err := r.GetTasks(taskcache.Active)
		if err != nil {
			return err
		}
		for item := range active {
			if !state.IsTracked(item.UPID) {
				toPoll = append(toPoll, item.UPID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read tasks to poll: %w", err)
	}
	return state, toPoll, nil
}

func (s *Scheduler) recordCacheMetrics() {
	_ = s.cache.WithRead(func(r *taskcache.Reader) error {
		if size, err := r.JournalSize(); err == nil {
			metrics.JournalSize.Set(float64(size))
		}
		if files, err := r.ArchiveFiles(); err == nil {
			metrics.ArchiveSegments.Set(float64(len(files)))
		}
		return nil
	})
}

// TrackTask starts tracking a task that was just started on a remote. The
// task is added to the active file and polled every tick until it finishes.
func (s *Scheduler) TrackTask(ctx context.Context, remoteID, nativeUPID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := s.remotes.Get(remoteID); !ok {
		return fmt.Errorf("%w: %s", remote.ErrRemoteNotFound, remoteID)
	}
	return TrackTask(s.cache, remoteID, nativeUPID)
}

// TrackTask adds a running task to cache and marks it as tracked. It does
// not check that the remote is configured.
func TrackTask(cache *taskcache.TaskCache, remoteID, nativeUPID string) error {
	u, err := upid.New(remoteID, nativeUPID)
	if err != nil {
		return err
	}
	native, err := u.Native()
	if err != nil {
		return err
	}

	err = cache.WithWrite(func(w *taskcache.Writer) error {
		return w.AddTrackedTask(taskcache.Item{UPID: u, StartTime: native.StartTime})
	})
	if errors.Is(err, taskcache.ErrLockTimeout) {
		return fmt.Errorf("task cache is busy: %w", err)
	}
	return err
}
