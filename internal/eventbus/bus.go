package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/stepwise/internal/actions"
)

// ErrUnavailable is returned by Subscribe when the bus runs without a transport.
var ErrUnavailable = errors.New("event bus unavailable")

// Event types on a thread channel.
const (
	TypeAgentAction   = "agent_action"
	TypeAgentThinking = "agent_thinking"
	TypeTaskStatus    = "task_status"
)

// Task status tags.
const (
	StatusPlanning         = "planning"
	StatusSubtaskCompleted = "subtask_completed"
	StatusTaskCompleted    = "task_completed"
	StatusTaskFailed       = "task_failed"
	StatusUsingTool        = "using_tool"
)

const defaultThinkingPace = 100 * time.Millisecond

type ActionEvent struct {
	Type        string         `json:"type"`
	ThreadID    string         `json:"thread_id"`
	Description string         `json:"description"`
	ActionData  actions.Action `json:"action_data"`
	Timestamp   float64        `json:"timestamp"`
}

type ThinkingEvent struct {
	Type      string  `json:"type"`
	ThreadID  string  `json:"thread_id"`
	Thinking  string  `json:"thinking"`
	Timestamp float64 `json:"timestamp"`
}

type StatusEvent struct {
	Type        string  `json:"type"`
	ThreadID    string  `json:"thread_id"`
	Status      string  `json:"status"`
	SubtaskInfo any     `json:"subtask_info"`
	Timestamp   float64 `json:"timestamp"`
}

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithPublishCounter counts publishes by outcome (ok, error, skipped).
func WithPublishCounter(c *prometheus.CounterVec) Option {
	return func(b *Bus) { b.published = c }
}

// WithThinkingPace sets the delay between streamed reasoning chunks. Zero disables pacing.
func WithThinkingPace(d time.Duration) Option {
	return func(b *Bus) { b.thinkingPace = d }
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// Bus publishes thread progress events. Publishing never fails the caller.
type Bus struct {
	transport    Transport
	logger       *zap.Logger
	published    *prometheus.CounterVec
	thinkingPace time.Duration
	now          func() time.Time
}

// New builds a bus over transport. A nil transport yields a bus whose publishes are no-ops.
func New(transport Transport, opts ...Option) *Bus {
	b := &Bus{
		transport:    transport,
		logger:       zap.NewNop(),
		thinkingPace: defaultThinkingPace,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Channel names the per-thread channel.
func Channel(threadID string) string {
	return "thread_" + strings.TrimSpace(threadID)
}

func (b *Bus) Available() bool {
	return b != nil && b.transport != nil
}

func (b *Bus) PublishAction(ctx context.Context, threadID string, action actions.Action) {
	if !b.Available() {
		b.count("skipped")
		return
	}
	b.publish(ctx, threadID, ActionEvent{
		Type:        TypeAgentAction,
		ThreadID:    threadID,
		Description: actions.Describe(action),
		ActionData:  action,
		Timestamp:   b.timestamp(),
	})
}

func (b *Bus) PublishStatus(ctx context.Context, threadID, status string, info any) {
	if !b.Available() {
		b.count("skipped")
		return
	}
	b.publish(ctx, threadID, StatusEvent{
		Type:        TypeTaskStatus,
		ThreadID:    threadID,
		Status:      status,
		SubtaskInfo: info,
		Timestamp:   b.timestamp(),
	})
}

// PublishThinking streams reasoning line by line, paced for a typing effect. It returns early
// when ctx ends.
func (b *Bus) PublishThinking(ctx context.Context, threadID, text string) {
	if !b.Available() {
		b.count("skipped")
		return
	}
	limit := rate.Inf
	if b.thinkingPace > 0 {
		limit = rate.Every(b.thinkingPace)
	}
	limiter := rate.NewLimiter(limit, 1)
	for _, chunk := range strings.Split(text, "\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		b.publish(ctx, threadID, ThinkingEvent{
			Type:      TypeAgentThinking,
			ThreadID:  threadID,
			Thinking:  chunk,
			Timestamp: b.timestamp(),
		})
	}
}

// Subscribe streams raw event payloads for a thread.
func (b *Bus) Subscribe(ctx context.Context, threadID string) (<-chan []byte, func(), error) {
	if !b.Available() {
		return nil, nil, ErrUnavailable
	}
	return b.transport.Subscribe(ctx, Channel(threadID))
}

func (b *Bus) Close() error {
	if !b.Available() {
		return nil
	}
	return b.transport.Close()
}

func (b *Bus) publish(ctx context.Context, threadID string, evt any) {
	if !b.Available() {
		b.count("skipped")
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		b.count("error")
		b.logger.Warn("encode event failed", zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	if err := b.transport.Publish(ctx, Channel(threadID), payload); err != nil {
		b.count("error")
		b.logger.Warn("publish event failed", zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	b.count("ok")
}

func (b *Bus) count(outcome string) {
	if b == nil || b.published == nil {
		return
	}
	b.published.WithLabelValues(outcome).Inc()
}

func (b *Bus) timestamp() float64 {
	return float64(b.now().UnixNano()) / float64(time.Second)
}
