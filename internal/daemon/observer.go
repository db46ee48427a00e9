package daemon

import (
	"time"

	"github.com/tasksync/tasksync/internal/upid"
)

// Observer receives scheduler events. Callbacks run on the scheduler
// goroutine and must not block.
type Observer interface {
	// OnTickComplete is called after every tick. err is the tick error, if
	// any.
	OnTickComplete(summary TickSummary, err error)

	// OnTaskFinished is called for every tracked or active task that was
	// found finished when polled.
	OnTaskFinished(u upid.RemoteUPID)

	// OnRotated is called after the archive was rotated.
	OnRotated(at time.Time)

	// OnJournalApplied is called after the journal was merged into the
	// archive.
	OnJournalApplied()
}

// NopObserver ignores all events. Embed it to implement a subset of
// Observer.
type NopObserver struct{}

func (NopObserver) OnTickComplete(TickSummary, error) {}

func (NopObserver) OnTaskFinished(upid.RemoteUPID) {}

func (NopObserver) OnRotated(time.Time) {}

func (NopObserver) OnJournalApplied() {}

// TickSummary describes what a tick did.
type TickSummary struct {
	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Rotated        bool `json:"rotated"`
	JournalApplied bool `json:"journal_applied"`

	Polled        int `json:"polled"`
	Finished      int `json:"finished"`
	RequestErrors int `json:"request_errors"`
	RemotesGone   int `json:"remotes_gone"`

	RemotesFetched int  `json:"remotes_fetched"`
	TasksFetched   int  `json:"tasks_fetched"`
	CacheUpdated   bool `json:"cache_updated"`
}
