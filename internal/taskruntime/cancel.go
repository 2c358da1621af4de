package taskruntime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/stepwise/internal/actions"
	"github.com/ent0n29/stepwise/internal/apperr"
	"github.com/ent0n29/stepwise/internal/tasks"
)

// CancelTask stops the thread's running task. It does not wait for the thread lock, so a cancel
// wins over a step in flight; the step's later writes are refused by compare-and-set.
func (s *Service) CancelTask(ctx context.Context, userID, threadID string) (err error) {
	defer func(started time.Time) { s.observe(opCancelTask, started, err) }(time.Now())

	thread, err := s.store.GetThread(ctx, userID, threadID)
	if err != nil {
		return notFoundOr(err, "Thread not found")
	}
	if thread.Status != tasks.ThreadStatusWorking {
		return apperr.Conflict(apperr.ReasonNotRunning)
	}
	task, err := s.store.CancelTask(ctx, thread.ID)
	if err != nil {
		return apperr.Storage(err, "cancel task")
	}
	if task.ID == "" {
		s.logger.Info("thread released without a running task", zap.String("thread_id", thread.ID))
		return nil
	}
	s.metrics.ObserveTransition(string(tasks.TaskStatusCanceled))
	s.logger.Info("task canceled", zap.String("thread_id", thread.ID), zap.String("task_id", task.ID))
	return s.appendMarker(ctx, thread.ID, task.ID, tasks.KindDesktopUse, actions.TaskCanceled)
}

// CancelAll cancels every running task of the user.
func (s *Service) CancelAll(ctx context.Context, userID string) (err error) {
	defer func(started time.Time) { s.observe(opCancelAll, started, err) }(time.Now())

	if err := s.store.CancelAll(ctx, userID); err != nil {
		return apperr.Storage(err, "cancel all tasks")
	}
	s.logger.Info("all running tasks canceled", zap.String("user_id", userID))
	return nil
}
