package model

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

// MockInvoker provides deterministic local replies when no model provider is configured.
type MockInvoker struct {
	role Role
}

func NewMockInvoker(role Role) *MockInvoker { return &MockInvoker{role: role} }

func (m *MockInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}
	text := buildMockReply(m.role, lastText(req.Blocks))
	return Response{Text: text, Parts: []Part{{Type: PartText, Text: text}}}, nil
}

func buildMockReply(role Role, input string) string {
	input = strings.TrimSpace(input)
	var v any
	switch role {
	case RoleClassifier:
		v = map[string]any{
			"type":                                "inquiry",
			"response":                            "I heard you: " + input,
			"is_background_mode_requested":        false,
			"is_extended_thinking_mode_requested": false,
			"needs_memory_from_previous_tasks":    false,
			"is_browser_task":                     false,
		}
	case RolePlanner:
		v = map[string]any{"subtasks": []map[string]string{{"subtask": strings.TrimPrefix(input, "Task: ")}}}
	case RoleComputerUse:
		v = map[string]any{
			"current_state": map[string]any{"next_goal": "Finish the subtask"},
			"actions":       []map[string]string{{"action": "subtask_completed"}},
		}
	case RoleTitle:
		return truncate(input, 40)
	default:
		return truncate(input, 200)
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func lastText(blocks []Block) string {
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].Type == BlockText {
			return blocks[i].Text
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var ErrScriptExhausted = errors.New("scripted model has no more replies")

// Scripted replays canned responses in order and records every request.
type Scripted struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	requests  []Request
}

// NewScripted queues plain-text replies.
func NewScripted(texts ...string) *Scripted {
	s := &Scripted{}
	for _, t := range texts {
		s.Push(Response{Text: t, Parts: []Part{{Type: PartText, Text: t}}})
	}
	return s
}

func (s *Scripted) Push(resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
	s.errs = append(s.errs, nil)
}

func (s *Scripted) PushError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, Response{})
	s.errs = append(s.errs, err)
}

func (s *Scripted) Invoke(_ context.Context, req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return Response{}, ErrScriptExhausted
	}
	resp, err := s.responses[0], s.errs[0]
	s.responses, s.errs = s.responses[1:], s.errs[1:]
	return resp, err
}

func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
