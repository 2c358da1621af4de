package tasks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is an in-process Store for local runs and tests. A single mutex makes every
// method atomic, which gives multi-row transitions the same guarantees as the SQL store.
type InMemoryStore struct {
	mu sync.RWMutex

	threads   map[string]*Thread
	tasks     map[string]*Task
	taskOrder []string
	plans     map[string]*Plan
	planOrder []string
	subtasks  map[string]*Subtask
	byPlan    map[string][]string
	messages  []Message

	locksMu sync.Mutex
	locks   map[string]*threadLock
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		threads:  make(map[string]*Thread),
		tasks:    make(map[string]*Task),
		plans:    make(map[string]*Plan),
		subtasks: make(map[string]*Subtask),
		byPlan:   make(map[string][]string),
		locks:    make(map[string]*threadLock),
	}
}

func (s *InMemoryStore) CreateThread(_ context.Context, thread Thread) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	if thread.Status == "" {
		thread.Status = ThreadStatusStandby
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	t := thread
	s.threads[t.ID] = &t
	return t, nil
}

func (s *InMemoryStore) GetThread(_ context.Context, userID, threadID string) (Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[strings.TrimSpace(threadID)]
	if !ok || t.UserID != userID || t.Status == ThreadStatusDeleted {
		return Thread{}, ErrNotFound
	}
	return *t, nil
}

func (s *InMemoryStore) GetWorkingThread(ctx context.Context, userID, threadID string) (Thread, error) {
	t, err := s.GetThread(ctx, userID, threadID)
	if err != nil {
		return Thread{}, err
	}
	if t.Status != ThreadStatusWorking {
		return Thread{}, ErrNotFound
	}
	return t, nil
}

func (s *InMemoryStore) CountWorkingThreads(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countWorkingLocked(userID), nil
}

func (s *InMemoryStore) countWorkingLocked(userID string) int {
	n := 0
	for _, t := range s.threads {
		if t.UserID == userID && t.Status == ThreadStatusWorking {
			n++
		}
	}
	return n
}

func (s *InMemoryStore) StartTask(_ context.Context, userID string, task Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[task.ThreadID]
	if !ok || thread.UserID != userID || thread.Status == ThreadStatusDeleted {
		return Task{}, ErrNotFound
	}
	if s.countWorkingLocked(userID) > 0 {
		return Task{}, ErrWorkingThreadExists
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.Status = TaskStatusWorking
	t := task
	s.tasks[t.ID] = &t
	s.taskOrder = append(s.taskOrder, t.ID)
	thread.Status = ThreadStatusWorking
	thread.CurrentInstruction = t.Text
	return t, nil
}

func (s *InMemoryStore) GetWorkingTask(_ context.Context, threadID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t := s.workingTaskLocked(threadID); t != nil {
		return *t, nil
	}
	return Task{}, ErrNotFound
}

func (s *InMemoryStore) workingTaskLocked(threadID string) *Task {
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if t.ThreadID == threadID && t.Status == TaskStatusWorking {
			return t
		}
	}
	return nil
}

func (s *InMemoryStore) RecentTasks(_ context.Context, userID string, q RecentTasksQuery) ([]Task, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, q.Limit)
	for i := len(s.taskOrder) - 1; i >= 0 && len(out) < q.Limit; i-- {
		t := s.tasks[s.taskOrder[i]]
		thread, ok := s.threads[t.ThreadID]
		if !ok || thread.UserID != userID || thread.Status == ThreadStatusDeleted {
			continue
		}
		if q.TerminalOnly && !t.Terminal() {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *InMemoryStore) GetActivePlan(_ context.Context, taskID string) (Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.activePlanLocked(taskID); p != nil {
		return *p, nil
	}
	return Plan{}, ErrNotFound
}

func (s *InMemoryStore) activePlanLocked(taskID string) *Plan {
	for _, id := range s.planOrder {
		p := s.plans[id]
		if p.TaskID == taskID && p.Status == PlanStatusActive {
			return p
		}
	}
	return nil
}

func (s *InMemoryStore) CreatePlan(_ context.Context, taskID string, subtasks []Subtask) (Plan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Plan{}, false, ErrNotFound
	}
	if existing := s.activePlanLocked(taskID); existing != nil {
		return *existing, false, nil
	}
	if task.Status != TaskStatusWorking {
		return Plan{}, false, ErrStatusChanged
	}
	plan := &Plan{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Status:    PlanStatusActive,
		CreatedAt: time.Now().UTC(),
	}
	s.plans[plan.ID] = plan
	s.planOrder = append(s.planOrder, plan.ID)
	for i, st := range subtasks {
		st.ID = uuid.NewString()
		st.PlanID = plan.ID
		st.Ordering = i + 1
		st.Status = SubtaskStatusActive
		if st.Type == "" {
			st.Type = SubtaskTypeDesktop
		}
		sub := st
		s.subtasks[sub.ID] = &sub
		s.byPlan[plan.ID] = append(s.byPlan[plan.ID], sub.ID)
	}
	return *plan, true, nil
}

func (s *InMemoryStore) CurrentSubtask(_ context.Context, planID string) (Subtask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var current *Subtask
	for _, id := range s.byPlan[planID] {
		st := s.subtasks[id]
		if st.Status != SubtaskStatusActive {
			continue
		}
		if current == nil || st.Ordering < current.Ordering {
			current = st
		}
	}
	if current == nil {
		return Subtask{}, ErrNotFound
	}
	return *current, nil
}

func (s *InMemoryStore) ListClosedSubtasks(_ context.Context, taskID string) ([]Subtask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Subtask
	for _, pid := range s.planOrder {
		if s.plans[pid].TaskID != taskID {
			continue
		}
		for _, id := range s.byPlan[pid] {
			if st := s.subtasks[id]; st.Status != SubtaskStatusActive {
				out = append(out, *st)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ordering < out[j].Ordering })
	return out, nil
}

func (s *InMemoryStore) CompleteSubtask(_ context.Context, subtaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.subtasks[subtaskID]
	if !ok {
		return ErrNotFound
	}
	if st.Status != SubtaskStatusActive {
		return ErrStatusChanged
	}
	st.Status = SubtaskStatusCompleted
	return nil
}

func (s *InMemoryStore) FinishTask(_ context.Context, f Finish) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[f.TaskID]
	if !ok {
		return ErrNotFound
	}
	if task.Status != TaskStatusWorking {
		return ErrStatusChanged
	}
	task.Status = f.Status
	if p, ok := s.plans[f.PlanID]; ok && p.Status == PlanStatusActive {
		p.Status = planStatusFor(f.Status)
	}
	if st, ok := s.subtasks[f.SubtaskID]; ok && st.Status == SubtaskStatusActive {
		st.Status = subtaskStatusFor(f.Status)
	}
	if thread, ok := s.threads[f.ThreadID]; ok && thread.Status == ThreadStatusWorking {
		thread.Status = ThreadStatusStandby
	}
	return nil
}

func (s *InMemoryStore) CancelTask(_ context.Context, threadID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if thread, ok := s.threads[threadID]; ok && thread.Status == ThreadStatusWorking {
		thread.Status = ThreadStatusStandby
	}
	task := s.workingTaskLocked(threadID)
	if task == nil {
		return Task{}, nil
	}
	s.cancelTaskLocked(task)
	return *task, nil
}

func (s *InMemoryStore) cancelTaskLocked(task *Task) {
	task.Status = TaskStatusCanceled
	for _, pid := range s.planOrder {
		p := s.plans[pid]
		if p.TaskID != task.ID {
			continue
		}
		if p.Status == PlanStatusActive {
			p.Status = PlanStatusCanceled
		}
		for _, id := range s.byPlan[pid] {
			if st := s.subtasks[id]; st.Status == SubtaskStatusActive {
				st.Status = SubtaskStatusCanceled
			}
		}
	}
}

func (s *InMemoryStore) CancelAll(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, thread := range s.threads {
		if thread.UserID != userID {
			continue
		}
		if thread.Status == ThreadStatusWorking {
			thread.Status = ThreadStatusStandby
		}
		for _, id := range s.taskOrder {
			if t := s.tasks[id]; t.ThreadID == thread.ID && t.Status == TaskStatusWorking {
				s.cancelTaskLocked(t)
			}
		}
	}
	return nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[msg.ThreadID]; !ok {
		return Message{}, ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *InMemoryStore) RecentMessages(_ context.Context, taskID string, kind MessageKind, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, limit)
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[i]
		if m.TaskID == taskID && m.Kind == kind {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListThreadMessages(_ context.Context, userID, threadID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[threadID]
	if !ok || thread.UserID != userID {
		return nil, ErrNotFound
	}
	var out []Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	return out, nil
}

// threadLock is a per-thread mutex; refs counts holders and waiters so idle entries can go.
type threadLock struct {
	ch   chan struct{}
	refs int
}

func (s *InMemoryStore) LockThread(ctx context.Context, threadID string) (func(), error) {
	s.locksMu.Lock()
	l, ok := s.locks[threadID]
	if !ok {
		l = &threadLock{ch: make(chan struct{}, 1)}
		s.locks[threadID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		s.releaseLock(threadID, l)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			s.releaseLock(threadID, l)
		})
	}, nil
}

func (s *InMemoryStore) releaseLock(threadID string, l *threadLock) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, threadID)
	}
}

func (s *InMemoryStore) Close() error { return nil }
