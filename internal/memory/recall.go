package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/stepwise/internal/tasks"
)

// DefaultPoolSize is how many of the user's latest tasks contribute to pooled recall.
const DefaultPoolSize = 5

// TaskLister is the slice of tasks.Store that recall needs.
type TaskLister interface {
	RecentTasks(ctx context.Context, userID string, q tasks.RecentTasksQuery) ([]tasks.Task, error)
}

// Recall resolves the memory visible to a step.
type Recall struct {
	store    Store
	tasks    TaskLister
	poolSize int
}

func NewRecall(store Store, lister TaskLister) *Recall {
	return &Recall{store: store, tasks: lister, poolSize: DefaultPoolSize}
}

// ForTask returns the task's own entries, or the entries of the user's most recent tasks
// when the task asked for memory from previous tasks.
func (r *Recall) ForTask(ctx context.Context, userID string, task tasks.Task) ([]Entry, error) {
	ids := []string{task.ID}
	if task.NeedsMemoryFromPreviousTasks {
		recent, err := r.tasks.RecentTasks(ctx, userID, tasks.RecentTasksQuery{Limit: r.poolSize})
		if err != nil {
			return nil, fmt.Errorf("list recent tasks: %w", err)
		}
		ids = ids[:0]
		for _, t := range recent {
			ids = append(ids, t.ID)
		}
	}
	entries, err := r.store.ListByTasks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	return entries, nil
}

// Remember appends a note to the task's memory. Blank notes are ignored.
func (r *Recall) Remember(ctx context.Context, taskID, text string) error {
	_, err := r.store.Append(ctx, Entry{TaskID: taskID, Text: text})
	if errors.Is(err, ErrEmptyEntry) {
		return nil
	}
	return err
}
