package taskruntime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/stepwise/internal/actions"
	"github.com/ent0n29/stepwise/internal/apperr"
	"github.com/ent0n29/stepwise/internal/eventbus"
	"github.com/ent0n29/stepwise/internal/model"
	"github.com/ent0n29/stepwise/internal/stepcontext"
	"github.com/ent0n29/stepwise/internal/tasks"
	"github.com/ent0n29/stepwise/internal/tools"
)

const (
	stepTemperature     = 0.0
	thinkingTemperature = 1.0
)

// run is one step in flight.
type run struct {
	kind       tasks.MessageKind
	system     string
	thread     tasks.Thread
	task       tasks.Task
	plan       tasks.Plan
	subtask    tasks.Subtask
	turn       stepcontext.Context
	screenshot string
}

func (r run) subtaskID() string { return r.subtask.ID }

// DesktopStep runs one agent step for the current DESKTOP subtask.
func (s *Service) DesktopStep(ctx context.Context, userID, threadID string, snap stepcontext.DesktopSnapshot) (out actions.StepOutput, err error) {
	defer func(started time.Time) { s.observe(opDesktopStep, started, err) }(time.Now())

	unlock, err := s.lock(ctx, threadID)
	if err != nil {
		return actions.StepOutput{}, err
	}
	defer unlock()

	thread, task, err := s.resolve(ctx, userID, threadID)
	if err != nil {
		return actions.StepOutput{}, err
	}
	plan, err := s.store.GetActivePlan(ctx, task.ID)
	if err != nil {
		return actions.StepOutput{}, notFoundOr(err, "No Current Desktop Task!")
	}
	subtask, err := s.store.CurrentSubtask(ctx, plan.ID)
	if err != nil {
		return actions.StepOutput{}, notFoundOr(err, "No Current Desktop Task!")
	}
	if subtask.Type != tasks.SubtaskTypeDesktop {
		return actions.StepOutput{}, apperr.NotFound("No Current Desktop Task!")
	}

	started := time.Now()
	history, err := s.store.RecentMessages(ctx, task.ID, tasks.KindDesktopUse, stepcontext.HistoryLimit)
	if err != nil {
		return actions.StepOutput{}, apperr.Storage(err, "load step history")
	}
	previous, err := s.store.ListClosedSubtasks(ctx, task.ID)
	if err != nil {
		return actions.StepOutput{}, apperr.Storage(err, "load previous subtasks")
	}
	mem, err := s.recall.ForTask(ctx, userID, task)
	if err != nil {
		return actions.StepOutput{}, apperr.Storage(err, "load memory")
	}
	turn := s.builder.Desktop(stepcontext.DesktopInput{
		Task:             task,
		Subtask:          subtask,
		History:          history,
		PreviousSubtasks: previous,
		Memory:           mem,
		Snapshot:         snap,
	})
	s.stage("context_build", started)

	return s.execute(ctx, run{
		kind:       tasks.KindDesktopUse,
		system:     s.prompts.ComputerUse,
		thread:     thread,
		task:       task,
		plan:       plan,
		subtask:    subtask,
		turn:       turn,
		screenshot: snap.ScreenshotB64,
	})
}

// BackgroundStep runs one agent step of a background browser task. Background tasks have no plan.
func (s *Service) BackgroundStep(ctx context.Context, userID, threadID string, snap stepcontext.BrowserSnapshot) (out actions.StepOutput, err error) {
	defer func(started time.Time) { s.observe(opBackgroundStep, started, err) }(time.Now())

	unlock, err := s.lock(ctx, threadID)
	if err != nil {
		return actions.StepOutput{}, err
	}
	defer unlock()

	thread, task, err := s.resolve(ctx, userID, threadID)
	if err != nil {
		return actions.StepOutput{}, err
	}

	started := time.Now()
	history, err := s.store.RecentMessages(ctx, task.ID, tasks.KindBackgroundModeBrowser, stepcontext.HistoryLimit)
	if err != nil {
		return actions.StepOutput{}, apperr.Storage(err, "load step history")
	}
	previous, err := s.store.RecentTasks(ctx, userID, tasks.RecentTasksQuery{Limit: stepcontext.PreviousTasksLimit})
	if err != nil {
		return actions.StepOutput{}, apperr.Storage(err, "load previous tasks")
	}
	mem, err := s.recall.ForTask(ctx, userID, task)
	if err != nil {
		return actions.StepOutput{}, apperr.Storage(err, "load memory")
	}
	turn := s.builder.Background(stepcontext.BackgroundInput{
		Task:          task,
		History:       history,
		PreviousTasks: previous,
		Memory:        mem,
		Snapshot:      snap,
	})
	s.stage("context_build", started)

	return s.execute(ctx, run{
		kind:       tasks.KindBackgroundModeBrowser,
		system:     s.prompts.BackgroundBrowser,
		thread:     thread,
		task:       task,
		turn:       turn,
		screenshot: snap.ScreenshotB64,
	})
}

// execute invokes the model, persists the step and applies its actions in order.
func (s *Service) execute(ctx context.Context, r run) (actions.StepOutput, error) {
	started := time.Now()
	req := model.Request{System: r.system, Blocks: r.turn.Blocks, Temperature: stepTemperature}
	if r.task.ExtendedThinkingMode {
		req.Temperature = thinkingTemperature
		req.Thinking = true
	}
	resp, err := s.computerUse.Invoke(ctx, req)
	if err != nil {
		return actions.StepOutput{}, apperr.Upstream(err, "step model call failed")
	}
	out, err := actions.ParseStepOutput(resp.Output())
	if err != nil {
		return actions.StepOutput{}, apperr.Upstream(err, "model returned an invalid step")
	}
	s.stage("model_invoke", started)

	started = time.Now()
	if r.task.ExtendedThinkingMode {
		if err := s.recordThinking(ctx, r, resp.Reasoning()); err != nil {
			return actions.StepOutput{}, err
		}
	}
	if goal := out.NextGoal(); goal != "" {
		s.bus.PublishStatus(ctx, r.thread.ID, eventbus.StatusPlanning, map[string]string{"message": "Action: " + goal})
	}
	text, err := json.Marshal(out)
	if err != nil {
		return actions.StepOutput{}, apperr.Wrap(apperr.CodeUnknown, err, "encode step")
	}
	if _, err := s.store.AppendMessage(ctx, tasks.Message{
		ThreadID:   r.thread.ID,
		TaskID:     r.task.ID,
		SubtaskID:  r.subtaskID(),
		Kind:       r.kind,
		Origin:     tasks.OriginAI,
		Text:       string(text),
		Prompt:     r.turn.PromptJSON(),
		Screenshot: s.storeScreenshot(ctx, r),
	}); err != nil {
		return actions.StepOutput{}, apperr.Storage(err, "store step")
	}
	if note := out.MemoryToSave(); note != "" {
		if err := s.recall.Remember(ctx, r.task.ID, note); err != nil {
			return actions.StepOutput{}, apperr.Storage(err, "store memory")
		}
	}
	s.stage("persist_step", started)

	started = time.Now()
	defer s.stage("apply_actions", started)
	for _, act := range out.Actions {
		s.bus.PublishAction(ctx, r.thread.ID, act)
		var (
			stop bool
			err  error
		)
		switch {
		case act.IsFailure():
			stop, err = true, s.fail(ctx, r)
		case act.IsCompletion():
			if len(out.Actions) == 1 {
				stop, err = true, s.complete(ctx, r)
			}
		case act.Name == actions.ToolUse:
			err = s.useTool(ctx, r, act)
		}
		if errors.Is(err, errRaceLost) {
			s.logger.Info("step outcome dropped, task changed concurrently",
				zap.String("thread_id", r.thread.ID),
				zap.String("task_id", r.task.ID),
				zap.String("action", act.Name),
			)
			return out, nil
		}
		if err != nil {
			return actions.StepOutput{}, err
		}
		if stop {
			break
		}
	}
	return out, nil
}

// errRaceLost marks a transition refused because a cancel or another step got there first.
var errRaceLost = errors.New("task changed concurrently")

func (s *Service) transition(ctx context.Context, f tasks.Finish) error {
	err := s.finish(ctx, f)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return errRaceLost
	}
	return err
}

func (s *Service) fail(ctx context.Context, r run) error {
	f := tasks.Finish{ThreadID: r.thread.ID, TaskID: r.task.ID, Status: tasks.TaskStatusFailed}
	what := r.task.Text
	if r.kind == tasks.KindDesktopUse {
		f.PlanID, f.SubtaskID, what = r.plan.ID, r.subtask.ID, r.subtask.Text
	}
	if err := s.transition(ctx, f); err != nil {
		return err
	}
	s.bus.PublishStatus(ctx, r.thread.ID, eventbus.StatusTaskFailed, map[string]string{"message": "Task failed: " + what})
	if r.kind == tasks.KindDesktopUse {
		return s.appendMarker(ctx, r.thread.ID, r.task.ID, tasks.KindDesktopUse, actions.TaskFailed)
	}
	return nil
}

// complete closes the current subtask of a desktop task, or the whole background task.
func (s *Service) complete(ctx context.Context, r run) error {
	if r.kind != tasks.KindDesktopUse {
		if err := s.transition(ctx, tasks.Finish{ThreadID: r.thread.ID, TaskID: r.task.ID, Status: tasks.TaskStatusCompleted}); err != nil {
			return err
		}
		s.bus.PublishStatus(ctx, r.thread.ID, eventbus.StatusTaskCompleted, map[string]string{"message": "Task completed successfully."})
		return nil
	}

	err := s.store.CompleteSubtask(ctx, r.subtask.ID)
	if errors.Is(err, tasks.ErrStatusChanged) || errors.Is(err, tasks.ErrNotFound) {
		return errRaceLost
	}
	if err != nil {
		return apperr.Storage(err, "complete subtask")
	}
	s.bus.PublishStatus(ctx, r.thread.ID, eventbus.StatusSubtaskCompleted, map[string]string{
		"subtask_text": r.subtask.Text,
		"message":      "Completed subtask: " + r.subtask.Text,
	})
	return nil
}

// useTool announces a tool call and stores its result as task memory. Tool failures never fail
// the step.
func (s *Service) useTool(ctx context.Context, r run, act actions.Action) error {
	name, args := act.Tool()
	s.bus.PublishStatus(ctx, r.thread.ID, eventbus.StatusUsingTool, map[string]any{
		"message": "Using tool: " + name,
		"tool":    name,
		"args":    args,
	})

	var note string
	switch {
	case name == tools.SaveToMemory:
		note = fmt.Sprint(valueOr(args["text"], ""))
	case s.tools == nil:
		s.logger.Warn("tool requested but no tool runner is configured", zap.String("tool", name))
		return nil
	default:
		text, err := s.tools.Invoke(ctx, name, args)
		if err != nil {
			s.logger.Warn("tool skipped", zap.String("thread_id", r.thread.ID), zap.String("tool", name), zap.Error(err))
			return nil
		}
		note = text
	}
	if err := s.recall.Remember(ctx, r.task.ID, note); err != nil {
		return apperr.Storage(err, "store tool memory")
	}
	return nil
}

func (s *Service) recordThinking(ctx context.Context, r run, reasoning []string) error {
	for _, text := range reasoning {
		s.bus.PublishThinking(ctx, r.thread.ID, text)
		if _, err := s.store.AppendMessage(ctx, tasks.Message{
			ThreadID:       r.thread.ID,
			TaskID:         r.task.ID,
			SubtaskID:      r.subtaskID(),
			Kind:           tasks.KindThinking,
			Origin:         tasks.OriginAI,
			ChainOfThought: text,
		}); err != nil {
			return apperr.Storage(err, "store thinking")
		}
	}
	return nil
}

// storeScreenshot hands the step screenshot to the sink. Failures only cost the reference.
func (s *Service) storeScreenshot(ctx context.Context, r run) string {
	b64 := strings.TrimSpace(r.screenshot)
	if s.screenshots == nil || b64 == "" {
		return ""
	}
	png, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		s.logger.Warn("screenshot is not valid base64", zap.String("thread_id", r.thread.ID), zap.Error(err))
		return ""
	}
	ref, err := s.screenshots.Store(ctx, r.thread.ID, png)
	if err != nil {
		s.logger.Warn("screenshot upload failed", zap.String("thread_id", r.thread.ID), zap.Error(err))
		return ""
	}
	return ref
}

func valueOr(v, def any) any {
	if v == nil {
		return def
	}
	return v
}
