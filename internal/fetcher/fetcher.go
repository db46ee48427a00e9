// Package fetcher runs a function against every node of a set of remotes in
// parallel, bounded by a global and a per-remote connection limit.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tasksync/tasksync/internal/remote"
)

const (
	// DefaultMaxConnections caps concurrent requests across all remotes.
	DefaultMaxConnections = 20

	// DefaultMaxConnectionsPerRemote caps concurrent requests to one remote.
	DefaultMaxConnectionsPerRemote = 5
)

// ClientFactory creates the API client of a remote.
type ClientFactory func(r remote.Remote) (remote.Client, error)

// Config holds fetcher limits.
type Config struct {
	MaxConnections          int
	MaxConnectionsPerRemote int

	// NewClient defaults to remote.NewClient.
	NewClient ClientFactory

	// Logger for fetch failures
	Logger *slog.Logger
}

// DefaultConfig returns the default connection limits.
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:          DefaultMaxConnections,
		MaxConnectionsPerRemote: DefaultMaxConnectionsPerRemote,
		NewClient:               remote.NewClient,
		Logger:                  slog.Default().With("component", "fetcher"),
	}
}

// Fetcher fans requests out to remote nodes.
type Fetcher struct {
	maxConnections          int64
	maxConnectionsPerRemote int64
	newClient               ClientFactory
	logger                  *slog.Logger
}

// New creates a Fetcher. A nil config uses DefaultConfig.
func New(config *Config) (*Fetcher, error) {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.MaxConnections < 1 {
		return nil, fmt.Errorf("max connections must be at least 1, got %d", config.MaxConnections)
	}
	if config.MaxConnectionsPerRemote < 1 {
		return nil, fmt.Errorf("max connections per remote must be at least 1, got %d", config.MaxConnectionsPerRemote)
	}

	f := &Fetcher{
		maxConnections:          int64(config.MaxConnections),
		maxConnectionsPerRemote: int64(config.MaxConnectionsPerRemote),
		newClient:               config.NewClient,
		logger:                  config.Logger,
	}
	if f.newClient == nil {
		f.newClient = defaults.NewClient
	}
	if f.logger == nil {
		f.logger = defaults.Logger
	}
	return f, nil
}

// WithClientFactory returns a copy of f that creates clients with newClient.
// Limits and logger are shared.
func (f *Fetcher) WithClientFactory(newClient ClientFactory) *Fetcher {
	c := *f
	c.newClient = newClient
	return &c
}

// NodeFunc is called once per node of a remote.
type NodeFunc[T any] func(ctx context.Context, client remote.Client, r remote.Remote, node string) (T, error)

// NodeResult is the outcome of a NodeFunc call.
type NodeResult[T any] struct {
	Data T
	Err  error

	// ResponseTime is the time spent inside the NodeFunc.
	ResponseTime time.Duration
}

// RemoteResult collects the node results of one remote. Err is set if the
// remote could not be contacted at all, in which case Nodes is empty.
type RemoteResult[T any] struct {
	Err   error
	Nodes map[string]NodeResult[T]
}

// Results maps remote ids to their results.
type Results[T any] struct {
	Remotes map[string]RemoteResult[T]
}

// ForAllNodes calls fn for every node of every remote. Nodes are discovered
// with Client.Nodes. A node call holds one per-remote permit and one global
// permit; node discovery holds one global permit.
func ForAllNodes[T any](ctx context.Context, f *Fetcher, remotes []remote.Remote, fn NodeFunc[T]) *Results[T] {
	global := semaphore.NewWeighted(f.maxConnections)

	results := &Results[T]{Remotes: make(map[string]RemoteResult[T], len(remotes))}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, r := range remotes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := fetchRemote(ctx, f, global, r, fn)

			mu.Lock()
			results.Remotes[r.ID] = result
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

func fetchRemote[T any](ctx context.Context, f *Fetcher, global *semaphore.Weighted, r remote.Remote, fn NodeFunc[T]) RemoteResult[T] {
	client, err := f.newClient(r)
	if err != nil {
		f.logger.Error("failed to create client", "remote", r.ID, "error", err)
		return RemoteResult[T]{Err: err}
	}

	if err := global.Acquire(ctx, 1); err != nil {
		return RemoteResult[T]{Err: err}
	}
	nodes, err := client.Nodes(ctx)
	global.Release(1)
	if err != nil {
		f.logger.Error("failed to list nodes", "remote", r.ID, "error", err)
		return RemoteResult[T]{Err: fmt.Errorf("failed to list nodes of %s: %w", r.ID, err)}
	}

	perRemote := semaphore.NewWeighted(f.maxConnectionsPerRemote)
	result := RemoteResult[T]{Nodes: make(map[string]NodeResult[T], len(nodes))}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, node := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nodeResult := fetchNode(ctx, global, perRemote, client, r, node, fn)

			mu.Lock()
			result.Nodes[node] = nodeResult
			mu.Unlock()
		}()
	}

	wg.Wait()
	return result
}

func fetchNode[T any](ctx context.Context, global, perRemote *semaphore.Weighted, client remote.Client, r remote.Remote, node string, fn NodeFunc[T]) NodeResult[T] {
	if err := perRemote.Acquire(ctx, 1); err != nil {
		return NodeResult[T]{Err: err}
	}
	defer perRemote.Release(1)

	if err := global.Acquire(ctx, 1); err != nil {
		return NodeResult[T]{Err: err}
	}
	defer global.Release(1)

	start := time.Now()
	data, err := fn(ctx, client, r, node)
	return NodeResult[T]{Data: data, Err: err, ResponseTime: time.Since(start)}
}
