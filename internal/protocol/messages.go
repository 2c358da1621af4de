package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/stepwise/internal/tasks"
)

// MessageType identifies feed payload variants. Bus events (agent_action, agent_thinking,
// task_status) are relayed verbatim and have no type here.
type MessageType string

const (
	TypePing              MessageType = "ping"
	TypeRequestStatus     MessageType = "request_status"
	TypePong              MessageType = "pong"
	TypeConnected         MessageType = "connection_established"
	TypeCurrentTaskStatus MessageType = "current_task_status"
	TypeErrorEvent        MessageType = "error_event"
)

// NoActiveTask is the status reply when the thread runs nothing.
const NoActiveTask = "No active task"

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

type RequestStatus struct {
	Type MessageType `json:"type"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

type ConnectionEstablished struct {
	Type         MessageType        `json:"type"`
	ThreadID     string             `json:"thread_id"`
	ThreadTitle  string             `json:"thread_title"`
	ThreadStatus tasks.ThreadStatus `json:"thread_status"`
}

// CurrentTaskStatus carries either the task fields or Message set to NoActiveTask.
type CurrentTaskStatus struct {
	Type                 MessageType      `json:"type"`
	TaskText             string           `json:"task_text,omitempty"`
	Status               tasks.TaskStatus `json:"status,omitempty"`
	BackgroundMode       *bool            `json:"background_mode,omitempty"`
	ExtendedThinkingMode *bool            `json:"extended_thinking_mode,omitempty"`
	Message              string           `json:"message,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewConnectionEstablished(thread tasks.Thread) ConnectionEstablished {
	return ConnectionEstablished{
		Type:         TypeConnected,
		ThreadID:     thread.ID,
		ThreadTitle:  thread.Title,
		ThreadStatus: thread.Status,
	}
}

func NewTaskStatus(taskText string, status tasks.TaskStatus, background, thinking bool) CurrentTaskStatus {
	return CurrentTaskStatus{
		Type:                 TypeCurrentTaskStatus,
		TaskText:             taskText,
		Status:               status,
		BackgroundMode:       &background,
		ExtendedThinkingMode: &thinking,
	}
}

func NewNoActiveTask() CurrentTaskStatus {
	return CurrentTaskStatus{Type: TypeCurrentTaskStatus, Message: NoActiveTask}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypePing:
		return Ping{Type: TypePing}, nil
	case TypeRequestStatus:
		return RequestStatus{Type: TypeRequestStatus}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
