package dashboard

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tasksync/tasksync/internal/daemon"
	"github.com/tasksync/tasksync/internal/upid"
)

// TaskFinishedData identifies a finished task
type TaskFinishedData struct {
	UPID   string `json:"upid"`
	Remote string `json:"remote"`
}

// RotatedData contains the time of an archive rotation
type RotatedData struct {
	At int64 `json:"at"`
}

// StatsData contains aggregate scheduler statistics
type StatsData struct {
	Ticks               int                 `json:"ticks"`
	TickErrors          int                 `json:"tick_errors"`
	TasksFinished       int                 `json:"tasks_finished"`
	TasksFetched        int                 `json:"tasks_fetched"`
	Rotations           int                 `json:"rotations"`
	JournalApplications int                 `json:"journal_applications"`
	LastTick            *daemon.TickSummary `json:"last_tick,omitempty"`
	LastError           string              `json:"last_error,omitempty"`
}

// Handler turns scheduler events into dashboard messages. It implements
// daemon.Observer.
type Handler struct {
	server *Server
	logger *slog.Logger

	mu    sync.Mutex
	stats StatsData
}

var _ daemon.Observer = (*Handler)(nil)

// NewHandler creates a handler broadcasting through server. New clients
// receive the current statistics as welcome message.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default().With("component", "dashboard")
	}

	h := &Handler{server: server, logger: logger}
	server.SetWelcome(func() json.RawMessage {
		data, _ := json.Marshal(h.GetStats())
		return data
	})
	return h
}

// OnTickComplete broadcasts the tick summary followed by updated stats
func (h *Handler) OnTickComplete(summary daemon.TickSummary, err error) {
	h.mu.Lock()
	h.stats.Ticks++
	h.stats.TasksFetched += summary.TasksFetched
	h.stats.LastTick = &summary
	if err != nil {
		h.stats.TickErrors++
		h.stats.LastError = err.Error()
	}
	h.mu.Unlock()

	h.send(MessageTypeTickComplete, summary)
	h.broadcastStats()
}

// OnTaskFinished broadcasts a finished task
func (h *Handler) OnTaskFinished(u upid.RemoteUPID) {
	h.mu.Lock()
	h.stats.TasksFinished++
	h.mu.Unlock()

	h.send(MessageTypeTaskFinished, TaskFinishedData{UPID: u.String(), Remote: u.Remote()})
}

// OnRotated broadcasts an archive rotation
func (h *Handler) OnRotated(at time.Time) {
	h.logger.Info("Archive rotated", "at", at.Unix())

	h.mu.Lock()
	h.stats.Rotations++
	h.mu.Unlock()

	h.send(MessageTypeRotated, RotatedData{At: at.Unix()})
}

// OnJournalApplied broadcasts a journal application
func (h *Handler) OnJournalApplied() {
	h.mu.Lock()
	h.stats.JournalApplications++
	h.mu.Unlock()

	h.send(MessageTypeJournalApplied, nil)
}

func (h *Handler) broadcastStats() {
	h.send(MessageTypeStats, h.GetStats())
}

func (h *Handler) send(typ MessageType, data any) {
	msg := Message{Type: typ, Timestamp: time.Now()}
	if data != nil {
		dataJSON, err := json.Marshal(data)
		if err != nil {
			h.logger.Error("Failed to marshal message data", "type", typ, "error", err)
			return
		}
		msg.Data = dataJSON
	}
	h.server.Broadcast(msg)
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
