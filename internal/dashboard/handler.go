package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"time"

	syncpkg "github.com/mkarlsson/studysync/internal/sync"
	"github.com/mkarlsson/studysync/internal/task"
)

// Handler bridges sync engine subscriptions to WebSocket broadcasts.
type Handler struct {
	server *Server
	coord  *syncpkg.Coordinator
	logger *log.Logger
}

// NewHandler creates a handler feeding the given dashboard server from the
// coordinator's status and task streams.
func NewHandler(server *Server, coord *syncpkg.Coordinator, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		coord:  coord,
		logger: logger,
	}
}

// Run consumes the coordinator streams until ctx ends. It blocks; callers
// run it on its own goroutine.
func (h *Handler) Run(ctx context.Context) {
	statusCh, cancelStatus := h.coord.SubscribeStatus()
	defer cancelStatus()

	tasksCh, cancelTasks := h.coord.SubscribeTasks()
	defer cancelTasks()

	for {
		select {
		case <-ctx.Done():
			return

		case status, ok := <-statusCh:
			if !ok {
				return
			}
			h.onStatus(status)

		case tasks, ok := <-tasksCh:
			if !ok {
				return
			}
			h.onTasks(tasks)
		}
	}
}

func (h *Handler) onStatus(status syncpkg.Status) {
	data := StatusData{
		State:            status.State.String(),
		Error:            status.LastError,
		SyncedCount:      status.SyncedCount,
		PendingConflicts: status.PendingConflictCount,
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal status: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeStatus,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

func (h *Handler) onTasks(tasks []task.Task) {
	out := TasksData{Tasks: make([]TaskData, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, TaskData{
			ID:          t.ID,
			Title:       t.Title,
			Subject:     t.Subject,
			DueDate:     t.DueDate,
			IsCompleted: t.IsCompleted,
			ReminderAt:  t.ReminderAt,
		})
	}

	dataJSON, err := json.Marshal(out)
	if err != nil {
		h.logger.Printf("Failed to marshal task snapshot: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeTasks,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
