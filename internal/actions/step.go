package actions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action names with orchestration meaning.
const (
	SubtaskCompleted = "subtask_completed"
	SubtaskFailed    = "subtask_failed"
	TaskCompleted    = "task_completed"
	TaskFailed       = "task_failed"
	TaskCanceled     = "task_canceled"
	ToolUse          = "tool_use"
)

var (
	ErrNoJSON        = errors.New("model output contains no JSON object")
	ErrInvalidOutput = errors.New("model output is not a valid step")
)

// Action is one agent instruction from a step. The original bytes are kept so that
// broadcasting or persisting an action never drops fields.
type Action struct {
	Name   string
	Params map[string]any
	raw    json.RawMessage
}

func NewAction(name string, params map[string]any) Action {
	return Action{Name: name, Params: params}
}

func (a Action) MarshalJSON() ([]byte, error) {
	if len(a.raw) > 0 {
		return a.raw, nil
	}
	out := map[string]any{"action": a.Name}
	if a.Params != nil {
		out["params"] = a.Params
	}
	return json.Marshal(out)
}

func (a *Action) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("%w: action must be an object", ErrInvalidOutput)
	}
	var name string
	if err := json.Unmarshal(fields["action"], &name); err != nil || strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: action name must be a non-empty string", ErrInvalidOutput)
	}
	var params map[string]any
	if p, ok := fields["params"]; ok && !isNull(p) {
		if err := decodeNumbers(p, &params); err != nil {
			return fmt.Errorf("%w: params of %q must be an object", ErrInvalidOutput, name)
		}
	}
	a.Name = name
	a.Params = params
	a.raw = append(json.RawMessage(nil), b...)
	return nil
}

// Tool returns the tool name and its arguments of a tool_use action.
func (a Action) Tool() (string, map[string]any) {
	name, _ := a.Params["tool"].(string)
	args, _ := a.Params["args"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	return strings.TrimSpace(name), args
}

func (a Action) IsCompletion() bool {
	return a.Name == SubtaskCompleted || a.Name == TaskCompleted
}

func (a Action) IsFailure() bool {
	return a.Name == SubtaskFailed || a.Name == TaskFailed
}

// CurrentState is the agent's narration of where it stands.
type CurrentState struct {
	NextGoal     string
	SaveToMemory bool
	Memory       string
	raw          json.RawMessage
}

func (c CurrentState) MarshalJSON() ([]byte, error) {
	if len(c.raw) > 0 {
		return c.raw, nil
	}
	out := map[string]any{}
	if c.NextGoal != "" {
		out["next_goal"] = c.NextGoal
	}
	if c.SaveToMemory {
		out["save_to_memory"] = true
		out["memory"] = c.Memory
	}
	return json.Marshal(out)
}

func (c *CurrentState) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("%w: current_state must be an object", ErrInvalidOutput)
	}
	var next, memo string
	var save bool
	if v, ok := fields["next_goal"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &next); err != nil {
			return fmt.Errorf("%w: next_goal must be a string", ErrInvalidOutput)
		}
	}
	if v, ok := fields["save_to_memory"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &save); err != nil {
			return fmt.Errorf("%w: save_to_memory must be a boolean", ErrInvalidOutput)
		}
	}
	if v, ok := fields["memory"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &memo); err != nil {
			return fmt.Errorf("%w: memory must be a string", ErrInvalidOutput)
		}
	}
	c.NextGoal = strings.TrimSpace(next)
	c.SaveToMemory = save
	c.Memory = memo
	c.raw = append(json.RawMessage(nil), b...)
	return nil
}

// StepOutput is the parsed agent response for one step. Fields other than current_state and
// actions are carried opaquely.
type StepOutput struct {
	CurrentState *CurrentState
	Actions      []Action
	fields       map[string]json.RawMessage
}

// ParseStepOutput extracts and validates the JSON step object in model text.
func ParseStepOutput(text string) (StepOutput, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return StepOutput{}, err
	}
	var out StepOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return StepOutput{}, err
	}
	return out, nil
}

func (s *StepOutput) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("%w: step must be an object", ErrInvalidOutput)
	}
	var out StepOutput
	if v, ok := fields["current_state"]; ok && !isNull(v) {
		var cs CurrentState
		if err := json.Unmarshal(v, &cs); err != nil {
			return err
		}
		out.CurrentState = &cs
	}
	if v, ok := fields["actions"]; ok && !isNull(v) {
		var items []json.RawMessage
		if err := json.Unmarshal(v, &items); err != nil {
			return fmt.Errorf("%w: actions must be an array", ErrInvalidOutput)
		}
		out.Actions = make([]Action, 0, len(items))
		for _, item := range items {
			var a Action
			if err := json.Unmarshal(item, &a); err != nil {
				return err
			}
			out.Actions = append(out.Actions, a)
		}
	}
	out.fields = fields
	*s = out
	return nil
}

func (s StepOutput) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(s.fields)+2)
	for k, v := range s.fields {
		fields[k] = v
	}
	if s.CurrentState != nil {
		fields["current_state"] = s.CurrentState
	}
	if s.Actions != nil || s.fields != nil {
		actions := s.Actions
		if actions == nil {
			actions = []Action{}
		}
		fields["actions"] = actions
	}
	return json.Marshal(fields)
}

// History is the step as shown in a look-back window. Desktop history hides current_state.
func (s StepOutput) History(keepState bool) (json.RawMessage, error) {
	if keepState {
		return json.Marshal(s)
	}
	trimmed := s
	trimmed.CurrentState = nil
	if s.fields != nil {
		trimmed.fields = make(map[string]json.RawMessage, len(s.fields))
		for k, v := range s.fields {
			if k != "current_state" {
				trimmed.fields[k] = v
			}
		}
	}
	return json.Marshal(trimmed)
}

// NextGoal returns the goal announced in current_state, if any.
func (s StepOutput) NextGoal() string {
	if s.CurrentState == nil {
		return ""
	}
	return s.CurrentState.NextGoal
}

// MemoryToSave returns the note the agent asked to keep, if any.
func (s StepOutput) MemoryToSave() string {
	if s.CurrentState == nil || !s.CurrentState.SaveToMemory {
		return ""
	}
	return strings.TrimSpace(s.CurrentState.Memory)
}

// Marker builds the synthetic step record written on terminal transitions.
func Marker(name string) StepOutput {
	return StepOutput{Actions: []Action{NewAction(name, nil)}}
}

// ExtractJSON returns the outermost JSON object in text, tolerating code fences and prose
// around it.
func ExtractJSON(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrNoJSON
	}
	if fenced := stripFence(text); fenced != "" {
		text = fenced
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}
	candidate := []byte(text[start : end+1])
	if !json.Valid(candidate) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidOutput)
	}
	return candidate, nil
}

func stripFence(text string) string {
	open := strings.Index(text, "```")
	if open < 0 {
		return ""
	}
	body := text[open+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	closing := strings.Index(body, "```")
	if closing < 0 {
		return ""
	}
	return strings.TrimSpace(body[:closing])
}

func decodeNumbers(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

func isNull(b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}
