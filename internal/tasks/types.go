package tasks

import "time"

type ThreadStatus string

const (
	ThreadStatusStandby ThreadStatus = "STANDBY"
	ThreadStatusWorking ThreadStatus = "WORKING"
	ThreadStatusDeleted ThreadStatus = "DELETED"
)

type TaskStatus string

const (
	TaskStatusWorking   TaskStatus = "WORKING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCanceled  TaskStatus = "CANCELED"
)

type PlanStatus string

const (
	PlanStatusActive    PlanStatus = "ACTIVE"
	PlanStatusCompleted PlanStatus = "COMPLETED"
	PlanStatusFailed    PlanStatus = "FAILED"
	PlanStatusCanceled  PlanStatus = "CANCELED"
)

type SubtaskStatus string

const (
	SubtaskStatusActive    SubtaskStatus = "ACTIVE"
	SubtaskStatusCompleted SubtaskStatus = "COMPLETED"
	SubtaskStatusFailed    SubtaskStatus = "FAILED"
	SubtaskStatusCanceled  SubtaskStatus = "CANCELED"
)

type SubtaskType string

const (
	SubtaskTypeDesktop SubtaskType = "DESKTOP"
	SubtaskTypeBrowser SubtaskType = "BROWSER"
)

// MessageKind is the channel a Message belongs to.
type MessageKind string

const (
	KindNormalMessage         MessageKind = "NORMAL_MESSAGE"
	KindClassification        MessageKind = "CLASSIFICATION"
	KindPlan                  MessageKind = "PLAN"
	KindDesktopUse            MessageKind = "DESKTOP_USE"
	KindBackgroundModeBrowser MessageKind = "BACKGROUND_MODE_BROWSER"
	KindThinking              MessageKind = "THINKING"
)

type MessageOrigin string

const (
	OriginUser MessageOrigin = "FROM_USER"
	OriginAI   MessageOrigin = "FROM_AI"
)

type Thread struct {
	ID                 string       `json:"id"`
	UserID             string       `json:"user_id"`
	Title              string       `json:"title"`
	Status             ThreadStatus `json:"status"`
	CurrentInstruction string       `json:"current_task"`
	CreatedAt          time.Time    `json:"created_at"`
}

type Task struct {
	ID                           string     `json:"id"`
	ThreadID                     string     `json:"thread_id"`
	Text                         string     `json:"task_text"`
	Status                       TaskStatus `json:"status"`
	BackgroundMode               bool       `json:"background_mode"`
	ExtendedThinkingMode         bool       `json:"extended_thinking_mode"`
	NeedsMemoryFromPreviousTasks bool       `json:"needs_memory_from_previous_tasks"`
	CreatedAt                    time.Time  `json:"created_at"`
}

type Plan struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Status    PlanStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

type Subtask struct {
	ID       string        `json:"id"`
	PlanID   string        `json:"plan_id"`
	Text     string        `json:"subtask_text"`
	Type     SubtaskType   `json:"subtask_type"`
	Ordering int           `json:"ordering"`
	Status   SubtaskStatus `json:"status"`
}

// Message is one immutable exchange in a thread's log.
type Message struct {
	ID             string        `json:"id"`
	ThreadID       string        `json:"thread_id"`
	TaskID         string        `json:"thread_task_id,omitempty"`
	SubtaskID      string        `json:"plan_subtask_id,omitempty"`
	Kind           MessageKind   `json:"thread_chat_type"`
	Origin         MessageOrigin `json:"thread_chat_from"`
	Text           string        `json:"text,omitempty"`
	Prompt         string        `json:"prompt,omitempty"`
	ChainOfThought string        `json:"chain_of_thought,omitempty"`
	Screenshot     string        `json:"screenshot,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Finish describes a terminal transition of a working task.
type Finish struct {
	ThreadID  string
	TaskID    string
	PlanID    string
	SubtaskID string
	Status    TaskStatus
}

// RecentTasksQuery selects a user's latest tasks across non-deleted threads.
type RecentTasksQuery struct {
	Limit        int
	TerminalOnly bool
}

func (t Task) Terminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

func planStatusFor(status TaskStatus) PlanStatus {
	switch status {
	case TaskStatusCompleted:
		return PlanStatusCompleted
	case TaskStatusFailed:
		return PlanStatusFailed
	default:
		return PlanStatusCanceled
	}
}

func subtaskStatusFor(status TaskStatus) SubtaskStatus {
	switch status {
	case TaskStatusCompleted:
		return SubtaskStatusCompleted
	case TaskStatusFailed:
		return SubtaskStatusFailed
	default:
		return SubtaskStatusCanceled
	}
}
