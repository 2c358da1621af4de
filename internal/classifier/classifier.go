// Package classifier decides whether an instruction is a desktop task or a conversational turn,
// and names new threads.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ent0n29/stepwise/internal/actions"
	"github.com/ent0n29/stepwise/internal/apperr"
	"github.com/ent0n29/stepwise/internal/model"
	"github.com/ent0n29/stepwise/internal/tasks"
)

const (
	// TypeDesktopTask marks an instruction that starts a Task.
	TypeDesktopTask = "desktop_task"

	temperature   = 0.1
	previousLimit = 10
)

// Result is the classifier verdict. Fields the model adds beyond the known ones are kept and
// written back by MarshalJSON.
type Result struct {
	Type                            string `json:"type"`
	Response                        string `json:"response,omitempty"`
	IsBackgroundModeRequested       bool   `json:"is_background_mode_requested"`
	IsExtendedThinkingModeRequested bool   `json:"is_extended_thinking_mode_requested"`
	NeedsMemoryFromPreviousTasks    bool   `json:"needs_memory_from_previous_tasks"`
	IsBrowserTask                   *bool  `json:"is_browser_task,omitempty"`
	ThreadID                        string `json:"thread_id,omitempty"`
	fields                          map[string]json.RawMessage
}

var knownFields = []string{
	"type",
	"response",
	"is_background_mode_requested",
	"is_extended_thinking_mode_requested",
	"needs_memory_from_previous_tasks",
	"is_browser_task",
	"thread_id",
}

func (r *Result) UnmarshalJSON(b []byte) error {
	type plain Result
	var out plain
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	for _, k := range knownFields {
		delete(fields, k)
	}
	*r = Result(out)
	if len(fields) > 0 {
		r.fields = fields
	}
	return nil
}

func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	known, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.fields) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(r.fields)+len(knownFields))
	for k, v := range r.fields {
		merged[k] = v
	}
	var base map[string]json.RawMessage
	if err := json.Unmarshal(known, &base); err != nil {
		return nil, err
	}
	for k, v := range base {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// IsDesktopTask reports whether the instruction should start a Task.
func (r Result) IsDesktopTask() bool { return r.Type == TypeDesktopTask }

// BrowserCapable is false only when the model explicitly said the task is not a browser task.
func (r Result) BrowserCapable() bool { return r.IsBrowserTask == nil || *r.IsBrowserTask }

// Extra returns a field the model sent beyond the known ones.
func (r Result) Extra(key string) (json.RawMessage, bool) {
	v, ok := r.fields[key]
	return v, ok
}

// Parse decodes a classifier reply.
func Parse(text string) (Result, error) {
	raw, err := actions.ExtractJSON(text)
	if err != nil {
		return Result{}, err
	}
	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("decode classification: %w", err)
	}
	if out.Type == "" {
		return Result{}, fmt.Errorf("%w: classification has no type", actions.ErrInvalidOutput)
	}
	return out, nil
}

// Classifier runs the one-shot classification call.
type Classifier struct {
	store  tasks.Store
	llm    model.Invoker
	system string
	now    func() time.Time
}

func New(store tasks.Store, llm model.Invoker, system string) *Classifier {
	return &Classifier{store: store, llm: llm, system: system, now: time.Now}
}

// Classify labels instruction for userID. The user's ten latest tasks give the model context.
func (c *Classifier) Classify(ctx context.Context, userID, instruction string) (Result, error) {
	previous, err := c.store.RecentTasks(ctx, userID, tasks.RecentTasksQuery{Limit: previousLimit})
	if err != nil {
		return Result{}, apperr.Storage(err, "load previous tasks")
	}
	items := make([]map[string]string, 0, len(previous))
	for _, t := range previous {
		items = append(items, map[string]string{"task": t.Text, "status": string(t.Status)})
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return Result{}, fmt.Errorf("encode previous tasks: %w", err)
	}

	resp, err := c.llm.Invoke(ctx, model.Request{
		System: c.system,
		Blocks: []model.Block{
			model.TextBlock(fmt.Sprintf("Previous Tasks (Limited to 10): \n %s \nToday's date: %s",
				encoded, c.now().Format("2006-01-02"))),
			model.TextBlock(instruction),
		},
		Temperature: temperature,
	})
	if err != nil {
		return Result{}, apperr.Upstream(err, "classification failed")
	}
	out, err := Parse(resp.Output())
	if err != nil {
		return Result{}, apperr.Upstream(err, "classification returned an invalid reply")
	}
	return out, nil
}
