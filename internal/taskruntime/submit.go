package taskruntime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/stepwise/internal/apperr"
	"github.com/ent0n29/stepwise/internal/classifier"
	"github.com/ent0n29/stepwise/internal/tasks"
)

// SubmitRequest carries an instruction. An empty ThreadID opens a new thread.
type SubmitRequest struct {
	ThreadID             string
	Text                 string
	BackgroundMode       bool
	ExtendedThinkingMode bool
}

// Submit classifies an instruction and, for desktop tasks, starts a WORKING task. The
// classification is returned with the thread id set.
func (s *Service) Submit(ctx context.Context, userID string, req SubmitRequest) (res classifier.Result, err error) {
	defer func(started time.Time) { s.observe(opSubmit, started, err) }(time.Now())

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return classifier.Result{}, apperr.InvalidArgument("instruction text is required")
	}

	var thread tasks.Thread
	if req.ThreadID != "" {
		if thread, err = s.store.GetThread(ctx, userID, req.ThreadID); err != nil {
			return classifier.Result{}, notFoundOr(err, "Thread not found")
		}
	}
	working, err := s.store.CountWorkingThreads(ctx, userID)
	if err != nil {
		return classifier.Result{}, apperr.Storage(err, "count working threads")
	}
	if working > 0 {
		return classifier.Result{}, apperr.Conflict(apperr.ReasonRunningThread)
	}

	res, err = s.classifier.Classify(ctx, userID, text)
	if err != nil {
		return classifier.Result{}, err
	}
	background := req.BackgroundMode || res.IsBackgroundModeRequested
	if res.IsDesktopTask() && background && !res.BrowserCapable() {
		return classifier.Result{}, apperr.Conflict(apperr.ReasonNotBrowserTaskBGMode)
	}

	if thread.ID == "" {
		thread, err = s.store.CreateThread(ctx, tasks.Thread{
			UserID:             userID,
			Title:              s.titler.Title(ctx, text),
			CurrentInstruction: text,
		})
		if err != nil {
			return classifier.Result{}, apperr.Storage(err, "create thread")
		}
	}
	if _, err := s.store.AppendMessage(ctx, tasks.Message{
		ThreadID: thread.ID,
		Kind:     tasks.KindNormalMessage,
		Origin:   tasks.OriginUser,
		Text:     text,
	}); err != nil {
		return classifier.Result{}, apperr.Storage(err, "store user message")
	}
	res.ThreadID = thread.ID

	var taskID string
	if res.IsDesktopTask() {
		task, err := s.store.StartTask(ctx, userID, tasks.Task{
			ThreadID:                     thread.ID,
			Text:                         text,
			BackgroundMode:               background,
			ExtendedThinkingMode:         req.ExtendedThinkingMode || res.IsExtendedThinkingModeRequested,
			NeedsMemoryFromPreviousTasks: res.NeedsMemoryFromPreviousTasks,
		})
		if errors.Is(err, tasks.ErrWorkingThreadExists) {
			return classifier.Result{}, apperr.Conflict(apperr.ReasonRunningThread)
		}
		if err != nil {
			return classifier.Result{}, apperr.Storage(err, "start task")
		}
		taskID = task.ID
		s.metrics.ObserveTransition(string(tasks.TaskStatusWorking))
		s.logger.Info("task started",
			zap.String("thread_id", thread.ID),
			zap.String("task_id", task.ID),
			zap.Bool("background_mode", task.BackgroundMode),
			zap.Bool("extended_thinking_mode", task.ExtendedThinkingMode),
		)
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return classifier.Result{}, apperr.Wrap(apperr.CodeUnknown, err, "encode classification")
	}
	if _, err := s.store.AppendMessage(ctx, tasks.Message{
		ThreadID: thread.ID,
		TaskID:   taskID,
		Kind:     tasks.KindClassification,
		Origin:   tasks.OriginAI,
		Text:     string(payload),
	}); err != nil {
		return classifier.Result{}, apperr.Storage(err, "store classification")
	}
	return res, nil
}
