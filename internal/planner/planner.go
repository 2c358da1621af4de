package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/stepwise/internal/actions"
	"github.com/ent0n29/stepwise/internal/apperr"
	"github.com/ent0n29/stepwise/internal/eventbus"
	"github.com/ent0n29/stepwise/internal/model"
	"github.com/ent0n29/stepwise/internal/stepcontext"
	"github.com/ent0n29/stepwise/internal/tasks"
)

const temperature = 0.3

var errEmptyPlan = errors.New("plan has no subtasks")

// Response is the planner's reply.
type Response struct {
	Subtasks []Item `json:"subtasks"`
}

type Item struct {
	Subtask string `json:"subtask"`
}

// Generator decomposes a task into an ordered plan, at most once per task.
type Generator struct {
	store   tasks.Store
	llm     model.Invoker
	bus     *eventbus.Bus
	builder stepcontext.Builder
	system  string
	logger  *zap.Logger
}

func New(store tasks.Store, llm model.Invoker, bus *eventbus.Bus, builder stepcontext.Builder, system string, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{store: store, llm: llm, bus: bus, builder: builder, system: system, logger: logger}
}

// Ensure returns the task's ACTIVE plan, generating it first when there is none.
func (g *Generator) Ensure(ctx context.Context, userID string, task tasks.Task, snap stepcontext.DesktopSnapshot) (tasks.Plan, error) {
	plan, err := g.store.GetActivePlan(ctx, task.ID)
	if err == nil {
		return plan, nil
	}
	if !errors.Is(err, tasks.ErrNotFound) {
		return tasks.Plan{}, apperr.Storage(err, "load active plan")
	}

	previous, err := g.store.RecentTasks(ctx, userID, tasks.RecentTasksQuery{
		Limit:        stepcontext.PreviousTasksLimit,
		TerminalOnly: true,
	})
	if err != nil {
		return tasks.Plan{}, apperr.Storage(err, "load previous tasks")
	}

	turn := g.builder.Plan(stepcontext.PlanInput{Task: task, PreviousTasks: previous, Snapshot: snap})
	resp, err := g.llm.Invoke(ctx, model.Request{System: g.system, Blocks: turn.Blocks, Temperature: temperature})
	if err != nil {
		return tasks.Plan{}, apperr.Upstream(err, "plan generation failed")
	}
	parsed, raw, err := Parse(resp.Output())
	if err != nil {
		return tasks.Plan{}, apperr.Upstream(err, "plan generation returned an invalid plan")
	}

	if _, err := g.store.AppendMessage(ctx, tasks.Message{
		ThreadID: task.ThreadID,
		TaskID:   task.ID,
		Kind:     tasks.KindPlan,
		Origin:   tasks.OriginAI,
		Text:     string(raw),
	}); err != nil {
		return tasks.Plan{}, apperr.Storage(err, "store plan message")
	}

	subtasks := make([]tasks.Subtask, 0, len(parsed.Subtasks))
	for _, item := range parsed.Subtasks {
		subtasks = append(subtasks, tasks.Subtask{Text: item.Subtask, Type: tasks.SubtaskTypeDesktop})
	}
	plan, created, err := g.store.CreatePlan(ctx, task.ID, subtasks)
	if err != nil {
		if errors.Is(err, tasks.ErrStatusChanged) {
			return tasks.Plan{}, apperr.NotFound("Thread has no running task")
		}
		return tasks.Plan{}, apperr.Storage(err, "store plan")
	}
	if !created {
		return plan, nil
	}

	g.logger.Info("plan created",
		zap.String("thread_id", task.ThreadID),
		zap.String("task_id", task.ID),
		zap.Int("subtasks", len(subtasks)),
	)
	g.bus.PublishStatus(ctx, task.ThreadID, eventbus.StatusPlanning, map[string]string{
		"message": "Plan: " + Render(parsed),
	})
	return plan, nil
}

// Parse validates a planner reply and returns it with its canonical JSON.
func Parse(text string) (Response, json.RawMessage, error) {
	raw, err := actions.ExtractJSON(text)
	if err != nil {
		return Response{}, nil, err
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, nil, fmt.Errorf("decode plan: %w", err)
	}
	kept := out.Subtasks[:0]
	for _, item := range out.Subtasks {
		item.Subtask = strings.TrimSpace(item.Subtask)
		if item.Subtask != "" {
			kept = append(kept, item)
		}
	}
	out.Subtasks = kept
	if len(out.Subtasks) == 0 {
		return Response{}, nil, errEmptyPlan
	}
	return out, raw, nil
}

// Render numbers the subtasks one per line: "1- a\n2- b".
func Render(r Response) string {
	lines := make([]string, 0, len(r.Subtasks))
	for i, item := range r.Subtasks {
		lines = append(lines, fmt.Sprintf("%d- %s", i+1, item.Subtask))
	}
	return strings.Join(lines, "\n")
}
