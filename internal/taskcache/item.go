package taskcache

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/tasksync/tasksync/internal/upid"
)

// Item is a single task record stored in the cache.
//
// Status and EndTime are both set for finished tasks and both empty for
// running ones. An EndTime of 0 means "not finished".
type Item struct {
	// UPID identifies the task across all remotes.
	UPID upid.RemoteUPID `json:"upid"`

	// StartTime is the task start (seconds since the UNIX epoch). It is also
	// encoded in the UPID; keeping it here allows sorting without parsing.
	StartTime int64 `json:"starttime"`

	// Status is the final task status, e.g. "OK" or "WARNINGS: 2".
	Status string `json:"status,omitempty"`

	// EndTime is the task end (seconds since the UNIX epoch).
	EndTime int64 `json:"endtime,omitempty"`
}

// Finished reports whether the item describes a finished task.
func (i Item) Finished() bool {
	return i.EndTime != 0
}

// Validate checks that status and endtime are either both present or both
// absent.
func (i Item) Validate() error {
	if i.UPID.IsZero() {
		return fmt.Errorf("%w: missing upid", ErrInvalidItem)
	}
	if (i.Status != "") != (i.EndTime != 0) {
		return fmt.Errorf("%w: %s has status %q but endtime %d", ErrInvalidItem, i.UPID, i.Status, i.EndTime)
	}
	return nil
}

// Compare orders items the way they are stored: most recent start time first,
// ties broken by ascending UPID string. It returns a negative number if a
// sorts before b.
func Compare(a, b Item) int {
	if c := cmp.Compare(b.StartTime, a.StartTime); c != 0 {
		return c
	}
	return strings.Compare(a.UPID.String(), b.UPID.String())
}

// sortItems sorts items in storage order and removes exact duplicates.
// Copies of one task with different status or endtime are all kept, ordered
// by status and endtime so that identical copies end up adjacent.
func sortItems(items []Item) []Item {
	slices.SortFunc(items, func(a, b Item) int {
		if c := Compare(a, b); c != 0 {
			return c
		}
		if c := strings.Compare(a.Status, b.Status); c != 0 {
			return c
		}
		return cmp.Compare(a.EndTime, b.EndTime)
	})
	return slices.Compact(items)
}
