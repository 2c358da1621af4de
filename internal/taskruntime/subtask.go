package taskruntime

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/stepwise/internal/actions"
	"github.com/ent0n29/stepwise/internal/apperr"
	"github.com/ent0n29/stepwise/internal/eventbus"
	"github.com/ent0n29/stepwise/internal/stepcontext"
	"github.com/ent0n29/stepwise/internal/tasks"
)

// CurrentSubtaskResponse is either the subtask to work on or the task_completed marker.
type CurrentSubtaskResponse struct {
	Action      string              `json:"action,omitempty"`
	ID          string              `json:"id,omitempty"`
	SubtaskText string              `json:"subtask_text,omitempty"`
	SubtaskType tasks.SubtaskType   `json:"subtask_type,omitempty"`
	Status      tasks.SubtaskStatus `json:"status,omitempty"`
}

// Completed reports whether the task finished because its plan ran out of subtasks.
func (r CurrentSubtaskResponse) Completed() bool { return r.Action == actions.TaskCompleted }

// CurrentSubtask returns the ACTIVE subtask with the lowest ordering, generating the plan on
// first use. An exhausted plan completes the task.
func (s *Service) CurrentSubtask(ctx context.Context, userID, threadID string, snap stepcontext.DesktopSnapshot) (resp CurrentSubtaskResponse, err error) {
	defer func(started time.Time) { s.observe(opCurrentSubtask, started, err) }(time.Now())

	unlock, err := s.lock(ctx, threadID)
	if err != nil {
		return CurrentSubtaskResponse{}, err
	}
	defer unlock()

	thread, task, err := s.resolve(ctx, userID, threadID)
	if err != nil {
		return CurrentSubtaskResponse{}, err
	}

	started := time.Now()
	plan, err := s.planner.Ensure(ctx, userID, task, snap)
	if err != nil {
		return CurrentSubtaskResponse{}, err
	}
	s.stage("plan_generation", started)

	subtask, err := s.store.CurrentSubtask(ctx, plan.ID)
	if err == nil {
		return CurrentSubtaskResponse{
			ID:          subtask.ID,
			SubtaskText: subtask.Text,
			SubtaskType: subtask.Type,
			Status:      subtask.Status,
		}, nil
	}
	if !errors.Is(err, tasks.ErrNotFound) {
		return CurrentSubtaskResponse{}, apperr.Storage(err, "load current subtask")
	}

	if err := s.finish(ctx, tasks.Finish{
		ThreadID: thread.ID,
		TaskID:   task.ID,
		PlanID:   plan.ID,
		Status:   tasks.TaskStatusCompleted,
	}); err != nil {
		return CurrentSubtaskResponse{}, err
	}
	s.bus.PublishStatus(ctx, thread.ID, eventbus.StatusTaskCompleted, map[string]string{
		"message": "All subtasks completed! Task finished successfully.",
	})
	if err := s.appendMarker(ctx, thread.ID, task.ID, tasks.KindDesktopUse, actions.TaskCompleted); err != nil {
		return CurrentSubtaskResponse{}, err
	}
	return CurrentSubtaskResponse{Action: actions.TaskCompleted}, nil
}

// finish applies a terminal transition. Losing the race to a cancel reads as "no running task".
func (s *Service) finish(ctx context.Context, f tasks.Finish) error {
	err := s.store.FinishTask(ctx, f)
	switch {
	case err == nil:
		s.metrics.ObserveTransition(string(f.Status))
		s.logger.Info("task finished",
			zap.String("thread_id", f.ThreadID),
			zap.String("task_id", f.TaskID),
			zap.String("status", string(f.Status)),
		)
		return nil
	case errors.Is(err, tasks.ErrStatusChanged), errors.Is(err, tasks.ErrNotFound):
		return apperr.NotFound("Thread has no running task")
	default:
		return apperr.Storage(err, "finish task")
	}
}

// appendMarker records a synthetic terminal step on the task's channel.
func (s *Service) appendMarker(ctx context.Context, threadID, taskID string, kind tasks.MessageKind, name string) error {
	text, err := actions.Marker(name).MarshalJSON()
	if err != nil {
		return apperr.Wrap(apperr.CodeUnknown, err, "encode marker")
	}
	if _, err := s.store.AppendMessage(ctx, tasks.Message{
		ThreadID: threadID,
		TaskID:   taskID,
		Kind:     kind,
		Origin:   tasks.OriginAI,
		Text:     string(text),
	}); err != nil {
		return apperr.Storage(err, "store "+name+" marker")
	}
	return nil
}
