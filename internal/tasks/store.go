package tasks

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("record not found in store")
	// ErrWorkingThreadExists is returned when a user already has a WORKING thread.
	ErrWorkingThreadExists = errors.New("user already has a working thread")
	// ErrStatusChanged is returned by compare-and-set transitions whose row moved on.
	ErrStatusChanged = errors.New("record status changed concurrently")
)

// Store is the transactional repository behind the orchestration core. Every method commits
// on its own; multi-row transitions are atomic.
type Store interface {
	CreateThread(ctx context.Context, thread Thread) (Thread, error)
	// GetThread returns a non-deleted thread owned by userID.
	GetThread(ctx context.Context, userID, threadID string) (Thread, error)
	// GetWorkingThread returns the thread only while it is WORKING.
	GetWorkingThread(ctx context.Context, userID, threadID string) (Thread, error)
	CountWorkingThreads(ctx context.Context, userID string) (int, error)

	// StartTask inserts a WORKING task and moves its thread to WORKING in one transaction,
	// failing with ErrWorkingThreadExists when another thread of the user is WORKING.
	StartTask(ctx context.Context, userID string, task Task) (Task, error)
	GetWorkingTask(ctx context.Context, threadID string) (Task, error)
	RecentTasks(ctx context.Context, userID string, q RecentTasksQuery) ([]Task, error)

	GetActivePlan(ctx context.Context, taskID string) (Plan, error)
	// CreatePlan stores a plan and its subtasks unless the task already has an ACTIVE plan,
	// in which case the existing plan is returned with created=false.
	CreatePlan(ctx context.Context, taskID string, subtasks []Subtask) (plan Plan, created bool, err error)
	CurrentSubtask(ctx context.Context, planID string) (Subtask, error)
	ListClosedSubtasks(ctx context.Context, taskID string) ([]Subtask, error)
	CompleteSubtask(ctx context.Context, subtaskID string) error

	// FinishTask moves a WORKING task, its ACTIVE plan and subtask and its thread to the
	// terminal states implied by f.Status.
	FinishTask(ctx context.Context, f Finish) error
	// CancelTask cancels the thread's WORKING task with its active plan and subtasks and
	// returns the task, or a zero Task when none was running.
	CancelTask(ctx context.Context, threadID string) (Task, error)
	CancelAll(ctx context.Context, userID string) error

	AppendMessage(ctx context.Context, msg Message) (Message, error)
	// RecentMessages returns up to limit messages of kind for the task, newest first.
	RecentMessages(ctx context.Context, taskID string, kind MessageKind, limit int) ([]Message, error)
	ListThreadMessages(ctx context.Context, userID, threadID string) ([]Message, error)

	// LockThread serialises step execution for a thread until unlock is called.
	LockThread(ctx context.Context, threadID string) (unlock func(), err error)

	Close() error
}
