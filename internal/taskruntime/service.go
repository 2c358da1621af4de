// Package taskruntime is the orchestration core: it turns instructions into tasks, drives plans
// and executes the steps clients request.
package taskruntime

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/stepwise/internal/apperr"
	"github.com/ent0n29/stepwise/internal/classifier"
	"github.com/ent0n29/stepwise/internal/eventbus"
	"github.com/ent0n29/stepwise/internal/memory"
	"github.com/ent0n29/stepwise/internal/model"
	"github.com/ent0n29/stepwise/internal/observability"
	"github.com/ent0n29/stepwise/internal/planner"
	"github.com/ent0n29/stepwise/internal/prompts"
	"github.com/ent0n29/stepwise/internal/stepcontext"
	"github.com/ent0n29/stepwise/internal/tasks"
	"github.com/ent0n29/stepwise/internal/tools"
)

// Operation names used for metrics and logs.
const (
	opSubmit         = "submit"
	opCurrentSubtask = "current_subtask"
	opDesktopStep    = "desktop_step"
	opBackgroundStep = "background_step"
	opCancelTask     = "cancel_task"
	opCancelAll      = "cancel_all"
)

// ScreenshotSink stores a step screenshot and returns a reference kept on the step message.
type ScreenshotSink interface {
	Store(ctx context.Context, threadID string, png []byte) (ref string, err error)
}

// Deps wires the collaborators of a Service.
type Deps struct {
	Store       tasks.Store
	Memory      memory.Store
	Bus         *eventbus.Bus
	Models      model.Set
	Prompts     prompts.Set
	Tools       tools.Invoker
	Screenshots ScreenshotSink
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	Now         func() time.Time
}

type Service struct {
	store       tasks.Store
	recall      *memory.Recall
	bus         *eventbus.Bus
	classifier  *classifier.Classifier
	titler      *classifier.Titler
	planner     *planner.Generator
	computerUse model.Invoker
	builder     stepcontext.Builder
	prompts     prompts.Set
	tools       tools.Invoker
	screenshots ScreenshotSink
	metrics     *observability.Metrics
	logger      *zap.Logger
}

func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mem := d.Memory
	if mem == nil {
		mem = memory.NewInMemoryStore()
	}
	builder := stepcontext.NewBuilder(stepcontext.ImageFormatFor(d.Models.ComputerUseProvider))
	if d.Now != nil {
		builder.Now = d.Now
	}
	return &Service{
		store:       d.Store,
		recall:      memory.NewRecall(mem, d.Store),
		bus:         d.Bus,
		classifier:  classifier.New(d.Store, d.Models.Classifier, d.Prompts.Classifier),
		titler:      classifier.NewTitler(d.Models.Title, d.Prompts.Title, logger),
		planner:     planner.New(d.Store, d.Models.Planner, d.Bus, builder, d.Prompts.Planner, logger),
		computerUse: d.Models.ComputerUse,
		builder:     builder,
		prompts:     d.Prompts,
		tools:       d.Tools,
		screenshots: d.Screenshots,
		metrics:     d.Metrics,
		logger:      logger,
	}
}

// Subscribe attaches a listener to the thread's event channel.
func (s *Service) Subscribe(ctx context.Context, threadID string) (<-chan []byte, func(), error) {
	return s.bus.Subscribe(ctx, threadID)
}

// FeedThread returns the thread a live feed may attach to. Only WORKING threads stream.
func (s *Service) FeedThread(ctx context.Context, userID, threadID string) (tasks.Thread, error) {
	thread, err := s.store.GetWorkingThread(ctx, userID, threadID)
	if err != nil {
		return tasks.Thread{}, notFoundOr(err, "Thread not found or access denied")
	}
	return thread, nil
}

// TaskStatusView answers a feed client's status request.
type TaskStatusView struct {
	TaskText             string           `json:"task_text"`
	Status               tasks.TaskStatus `json:"status"`
	BackgroundMode       bool             `json:"background_mode"`
	ExtendedThinkingMode bool             `json:"extended_thinking_mode"`
}

// CurrentStatus reports the thread's WORKING task. ok is false when nothing runs.
func (s *Service) CurrentStatus(ctx context.Context, userID, threadID string) (view TaskStatusView, ok bool, err error) {
	thread, err := s.store.GetThread(ctx, userID, threadID)
	if err != nil {
		return TaskStatusView{}, false, notFoundOr(err, "Thread not found")
	}
	task, err := s.store.GetWorkingTask(ctx, thread.ID)
	if errors.Is(err, tasks.ErrNotFound) {
		return TaskStatusView{}, false, nil
	}
	if err != nil {
		return TaskStatusView{}, false, apperr.Storage(err, "load working task")
	}
	return TaskStatusView{
		TaskText:             task.Text,
		Status:               task.Status,
		BackgroundMode:       task.BackgroundMode,
		ExtendedThinkingMode: task.ExtendedThinkingMode,
	}, true, nil
}

// ThreadMessages returns the thread's message log in creation order.
func (s *Service) ThreadMessages(ctx context.Context, userID, threadID string) ([]tasks.Message, error) {
	if _, err := s.store.GetThread(ctx, userID, threadID); err != nil {
		return nil, notFoundOr(err, "Thread not found")
	}
	msgs, err := s.store.ListThreadMessages(ctx, userID, threadID)
	if err != nil {
		return nil, apperr.Storage(err, "list thread messages")
	}
	return msgs, nil
}

// resolve loads the caller's WORKING thread and its WORKING task.
func (s *Service) resolve(ctx context.Context, userID, threadID string) (tasks.Thread, tasks.Task, error) {
	thread, err := s.store.GetWorkingThread(ctx, userID, threadID)
	if err != nil {
		return tasks.Thread{}, tasks.Task{}, notFoundOr(err, "Thread not found")
	}
	task, err := s.store.GetWorkingTask(ctx, thread.ID)
	if err != nil {
		return tasks.Thread{}, tasks.Task{}, notFoundOr(err, "Thread has no running task")
	}
	return thread, task, nil
}

func (s *Service) lock(ctx context.Context, threadID string) (func(), error) {
	unlock, err := s.store.LockThread(ctx, threadID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperr.Storage(err, "lock thread")
	}
	return unlock, nil
}

// observe records the outcome of a public operation.
func (s *Service) observe(op string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(apperr.CodeOf(err)))
	}
	s.metrics.ObserveStep(op, outcome, time.Since(started))
	if err != nil && !apperr.IsCode(err, apperr.CodeNotFound) && !apperr.IsCode(err, apperr.CodeConflict) {
		s.logger.Warn("orchestration call failed", zap.String("op", op), zap.Error(err))
	}
}

func (s *Service) stage(name string, started time.Time) {
	s.metrics.ObserveStage(name, time.Since(started))
}

func notFoundOr(err error, message string) error {
	if errors.Is(err, tasks.ErrNotFound) {
		return apperr.NotFound(message)
	}
	return apperr.Storage(err, "store lookup failed")
}
