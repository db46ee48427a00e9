package daemon

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tasksync/tasksync/internal/fetcher"
	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/upid"
)

// PollResult is the outcome of polling a single task.
type PollResult int

const (
	// PollRunning means the task is still running.
	PollRunning PollResult = iota
	// PollFinished means the task has an exit status. Its final record is
	// picked up by fetching its remote.
	PollFinished
	// PollRequestError means the status could not be queried. The task is
	// dropped from tracking.
	PollRequestError
	// PollRemoteGone means the remote is no longer configured. The task is
	// dropped from tracking without contacting anything.
	PollRemoteGone
)

// String returns a human-readable representation of the result.
func (r PollResult) String() string {
	switch r {
	case PollRunning:
		return "running"
	case PollFinished:
		return "finished"
	case PollRequestError:
		return "request_error"
	case PollRemoteGone:
		return "remote_gone"
	default:
		return "unknown"
	}
}

// dropsTracking reports whether a task with this result leaves the tracked
// set.
func (r PollResult) dropsTracking() bool {
	return r != PollRunning
}

// taskState holds the ephemeral due times of the periodic jobs. A zero time
// is always due.
type taskState struct {
	lastRotateCheck  time.Time
	lastFetch        time.Time
	lastJournalApply time.Time
	lastActivePoll   time.Time
}

func isDue(last time.Time, interval time.Duration, now time.Time) bool {
	return last.IsZero() || now.Sub(last) > interval
}

// clientCache creates at most one client per remote and tick. Poll and
// fetch of one tick share it.
type clientCache struct {
	newClient fetcher.ClientFactory

	mu      sync.Mutex
	clients map[string]clientEntry
}

type clientEntry struct {
	client remote.Client
	err    error
}

func newClientCache(newClient fetcher.ClientFactory) *clientCache {
	return &clientCache{newClient: newClient, clients: make(map[string]clientEntry)}
}

func (c *clientCache) get(r remote.Remote) (remote.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.clients[r.ID]; ok {
		return e.client, e.err
	}
	client, err := c.newClient(r)
	c.clients[r.ID] = clientEntry{client: client, err: err}
	return client, err
}

// pollTasks queries the status of every task concurrently, bounded by the
// global connection limit.
func (s *Scheduler) pollTasks(ctx context.Context, tasks []upid.RemoteUPID, clients *clientCache) map[upid.RemoteUPID]PollResult {
	results := make(map[upid.RemoteUPID]PollResult, len(tasks))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(s.config.MaxConnections)
	for _, u := range tasks {
		g.Go(func() error {
			result := s.pollTask(ctx, u, clients)

			mu.Lock()
			results[u] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *Scheduler) pollTask(ctx context.Context, u upid.RemoteUPID, clients *clientCache) PollResult {
	r, ok := s.remotes.Get(u.Remote())
	if !ok {
		s.logger.Info("remote does not exist any more, dropping tracked task", "remote", u.Remote(), "upid", u.String())
		return PollRemoteGone
	}

	client, err := clients.get(r)
	if err != nil {
		s.logger.Error("could not create client", "remote", r.ID, "error", err)
		return PollRequestError
	}

	s.logger.Debug("polling tracked task", "upid", u.String())
	status, err := client.TaskStatus(ctx, u.UPID())
	if err != nil {
		s.logger.Error("could not get status from remote", "upid", u.String(), "error", err)
		return PollRequestError
	}

	if status.Finished() {
		return PollFinished
	}
	return PollRunning
}
