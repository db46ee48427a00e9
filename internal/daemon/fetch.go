package daemon

import (
	"context"
	"slices"
	"time"

	"github.com/tasksync/tasksync/internal/fetcher"
	"github.com/tasksync/tasksync/internal/metrics"
	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/taskcache"
	"github.com/tasksync/tasksync/internal/upid"
)

// fetchRemotes fetches the task lists of all nodes of remotes. It returns
// the mapped tasks and which nodes were fetched successfully; only those get
// their cutoff advanced. Clients come from the tick's client cache so that
// polling and fetching share one rate limit per remote.
func (s *Scheduler) fetchRemotes(ctx context.Context, remotes []remote.Remote, state *taskcache.State, now time.Time, clients *clientCache) ([]taskcache.Item, *taskcache.NodeFetchSuccessMap) {
	defaultSince := now.Add(-s.config.Lookback).Unix()
	limit := s.config.MaxTasksToFetch

	results := fetcher.ForAllNodes(ctx, s.fetcher.WithClientFactory(clients.get), remotes,
		func(ctx context.Context, client remote.Client, r remote.Remote, node string) ([]remote.Task, error) {
			since, ok := state.Cutoff(r.ID, node)
			if !ok {
				since = defaultSince
			}
			return client.ListTasks(ctx, node, remote.ListOptions{Since: since, Limit: limit})
		})

	var tasks []taskcache.Item
	successMap := taskcache.NewNodeFetchSuccessMap()

	for remoteID, rr := range results.Remotes {
		if rr.Err != nil {
			s.logger.Error("could not fetch tasks from remote", "remote", remoteID, "error", rr.Err)
			metrics.FetchTotal.WithLabelValues(remoteID, "error").Inc()
			continue
		}

		for node, nr := range rr.Nodes {
			if nr.Err != nil {
				s.logger.Error("could not fetch tasks from node", "remote", remoteID, "node", node, "error", nr.Err)
				metrics.FetchTotal.WithLabelValues(remoteID, "error").Inc()
				successMap.SetFailure(remoteID, node)
				continue
			}

			metrics.FetchTotal.WithLabelValues(remoteID, "ok").Inc()
			metrics.FetchDuration.WithLabelValues(remoteID).Observe(nr.ResponseTime.Seconds())

			for _, t := range nr.Data {
				item, err := mapTask(remoteID, t)
				if err != nil {
					s.logger.Error("skipping task with invalid upid", "remote", remoteID, "node", node, "upid", t.UPID, "error", err)
					continue
				}
				tasks = append(tasks, item)
			}
			successMap.SetSuccess(remoteID, node)
		}
	}

	return tasks, successMap
}

// mapTask converts a remote task list entry into a cache item. Finished
// tasks without a status get "unknown"; running tasks carry neither status
// nor end time.
func mapTask(remoteID string, t remote.Task) (taskcache.Item, error) {
	u, err := upid.New(remoteID, t.UPID)
	if err != nil {
		return taskcache.Item{}, err
	}

	item := taskcache.Item{UPID: u, StartTime: t.StartTime}
	if t.Finished() && *t.EndTime != 0 {
		item.EndTime = *t.EndTime
		item.Status = t.Status
		if item.Status == "" {
			item.Status = "unknown"
		}
	}
	return item, nil
}

// remotesWithFinishedTasks returns the configured remotes owning at least one
// task that was polled as finished.
func (s *Scheduler) remotesWithFinishedTasks(results map[upid.RemoteUPID]PollResult) []remote.Remote {
	var ids []string
	for u, result := range results {
		if result == PollFinished && !slices.Contains(ids, u.Remote()) {
			ids = append(ids, u.Remote())
		}
	}
	slices.Sort(ids)

	remotes := make([]remote.Remote, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.remotes.Get(id); ok {
			remotes = append(remotes, r)
		}
	}
	return remotes
}
