package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process memory store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, entry Entry) (Entry, error) {
	entry.Text = strings.TrimSpace(entry.Text)
	if entry.Text == "" {
		return Entry{}, ErrEmptyEntry
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	return entry, nil
}

func (s *InMemoryStore) ListByTasks(_ context.Context, taskIDs []string) ([]Entry, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	want := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		want[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if _, ok := want[e.TaskID]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
