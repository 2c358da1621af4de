package memory

import (
	"context"
	"errors"
	"time"
)

var ErrEmptyEntry = errors.New("memory entry text is empty")

// Entry is a free-text note written by the agent while a task runs.
type Entry struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Text      string    `json:"memory_item_text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists memory entries. Entries are append-only.
type Store interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	// ListByTasks returns the entries of the given tasks in write order.
	ListByTasks(ctx context.Context, taskIDs []string) ([]Entry, error)
	Close() error
}
