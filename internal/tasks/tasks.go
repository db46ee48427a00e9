// Package tasks implements the task list query over the task cache.
package tasks

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/tasksync/tasksync/internal/taskcache"
)

// State classifies the final status of a task.
type State string

const (
	StateOK      State = "ok"
	StateWarning State = "warning"
	StateError   State = "error"
	StateUnknown State = "unknown"
)

// Classify maps a task status string to its State.
func Classify(status string) State {
	switch {
	case status == "" || status == "unknown":
		return StateUnknown
	case status == "OK":
		return StateOK
	case strings.HasPrefix(status, "WARNINGS: "):
		return StateWarning
	default:
		return StateError
	}
}

// ParseState parses a state name as accepted by Filters.StatusFilter.
func ParseState(s string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(s))) {
	case StateOK:
		return StateOK, nil
	case StateWarning:
		return StateWarning, nil
	case StateError:
		return StateError, nil
	case StateUnknown:
		return StateUnknown, nil
	default:
		return "", fmt.Errorf("unknown task state %q", s)
	}
}

// Filters restricts a task listing. Zero values disable a filter.
type Filters struct {
	// Since and Until bound the start time, inclusive.
	Since int64
	Until int64

	// Running returns only unfinished tasks.
	Running bool

	// Errors drops tasks that finished OK.
	Errors bool

	// Remote restricts the listing to one remote.
	Remote string

	// UserFilter and TypeFilter are substring matches on the auth id and
	// the worker type.
	UserFilter string
	TypeFilter string

	// StatusFilter keeps finished tasks in one of these states. Running
	// tasks never match a non-empty StatusFilter.
	StatusFilter []State

	// Start skips that many matching tasks; Limit caps the result, 0 is
	// unlimited.
	Start int
	Limit int
}

// Mode returns the cache mode the filters need.
func (f Filters) Mode() taskcache.Mode {
	if f.Running {
		return taskcache.Active
	}
	return taskcache.All
}

// TaskListItem is a cached task enriched with the fields of its UPID.
type TaskListItem struct {
	UPID       string `json:"upid" yaml:"upid"`
	Remote     string `json:"remote" yaml:"remote"`
	Node       string `json:"node" yaml:"node"`
	PID        uint32 `json:"pid" yaml:"pid"`
	PStart     uint64 `json:"pstart" yaml:"pstart"`
	StartTime  int64  `json:"starttime" yaml:"starttime"`
	WorkerType string `json:"worker_type" yaml:"worker_type"`
	WorkerID   string `json:"worker_id,omitempty" yaml:"worker_id,omitempty"`
	User       string `json:"user" yaml:"user"`
	EndTime    int64  `json:"endtime,omitempty" yaml:"endtime,omitempty"`
	Status     string `json:"status,omitempty" yaml:"status,omitempty"`
}

// Running reports whether the task has not finished.
func (t TaskListItem) Running() bool {
	return t.EndTime == 0
}

// State classifies the status of a finished task. Running tasks are
// unknown.
func (t TaskListItem) State() State {
	return Classify(t.Status)
}

// FromItem builds a TaskListItem by parsing the native UPID of item.
func FromItem(item taskcache.Item) (TaskListItem, error) {
	native, err := item.UPID.Native()
	if err != nil {
		return TaskListItem{}, err
	}
	return TaskListItem{
		UPID:       item.UPID.String(),
		Remote:     item.UPID.Remote(),
		Node:       native.Node,
		PID:        native.PID,
		PStart:     native.PStart,
		StartTime:  native.StartTime,
		WorkerType: native.WorkerType,
		WorkerID:   native.WorkerID,
		User:       native.AuthID,
		EndTime:    item.EndTime,
		Status:     item.Status,
	}, nil
}

// Match reports whether t passes all filters except paging.
func (f Filters) Match(t TaskListItem) bool {
	if f.Remote != "" && t.Remote != f.Remote {
		return false
	}
	if f.Running && !t.Running() {
		return false
	}
	if f.Until != 0 && t.StartTime > f.Until {
		return false
	}
	if f.Since != 0 && t.StartTime < f.Since {
		return false
	}
	if f.UserFilter != "" && !strings.Contains(t.User, f.UserFilter) {
		return false
	}
	if f.TypeFilter != "" && !strings.Contains(t.WorkerType, f.TypeFilter) {
		return false
	}

	if t.Status == "" {
		return len(f.StatusFilter) == 0
	}
	state := t.State()
	if f.Errors && state == StateOK {
		return false
	}
	if len(f.StatusFilter) > 0 && !slices.Contains(f.StatusFilter, state) {
		return false
	}
	return true
}

// Filter lazily applies f to items, including paging. Items must be sorted
// newest first; iteration stops at the first item older than f.Since. Items
// whose UPID cannot be parsed are logged and skipped.
func Filter(items iter.Seq[taskcache.Item], f Filters, logger *slog.Logger) iter.Seq[TaskListItem] {
	if logger == nil {
		logger = slog.Default().With("component", "tasks")
	}
	return func(yield func(TaskListItem) bool) {
		skipped, returned := 0, 0
		for item := range items {
			if f.Since != 0 && item.StartTime < f.Since {
				return
			}
			if f.Remote != "" && item.UPID.Remote() != f.Remote {
				continue
			}
			t, err := FromItem(item)
			if err != nil {
				logger.Error("Could not parse UPID", "upid", item.UPID, "error", err)
				continue
			}
			if !f.Match(t) {
				continue
			}
			if skipped < f.Start {
				skipped++
				continue
			}
			if !yield(t) {
				return
			}
			returned++
			if f.Limit > 0 && returned >= f.Limit {
				return
			}
		}
	}
}

// Query returns the tasks of r matching f, newest first.
func Query(r *taskcache.Reader, f Filters, logger *slog.Logger) ([]TaskListItem, error) {
	items, err := r.GetTasks(f.Mode())
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	result := slices.Collect(Filter(items, f, logger))
	if result == nil {
		result = []TaskListItem{}
	}
	return result, nil
}

// List takes a read lock on cache and runs Query.
func List(cache *taskcache.TaskCache, f Filters, logger *slog.Logger) ([]TaskListItem, error) {
	var result []TaskListItem
	err := cache.WithRead(func(r *taskcache.Reader) error {
		var err error
		result, err = Query(r, f, logger)
		return err
	})
	return result, err
}

// Summary counts tasks by state.
type Summary struct {
	Running  int `json:"running" yaml:"running"`
	OK       int `json:"ok" yaml:"ok"`
	Warnings int `json:"warnings" yaml:"warnings"`
	Errors   int `json:"errors" yaml:"errors"`
	Unknown  int `json:"unknown" yaml:"unknown"`
}

// Summarize counts tasks by state; running tasks are counted separately.
func Summarize(items []TaskListItem) Summary {
	var s Summary
	for _, t := range items {
		if t.Running() {
			s.Running++
			continue
		}
		switch t.State() {
		case StateOK:
			s.OK++
		case StateWarning:
			s.Warnings++
		case StateError:
			s.Errors++
		default:
			s.Unknown++
		}
	}
	return s
}

// Total returns the number of counted tasks.
func (s Summary) Total() int {
	return s.Running + s.OK + s.Warnings + s.Errors + s.Unknown
}
