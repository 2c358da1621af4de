package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/stepwise/internal/apperr"
	"github.com/ent0n29/stepwise/internal/eventbus"
	"github.com/ent0n29/stepwise/internal/protocol"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedIdleTimeout  = 120 * time.Second
)

// handleFeed streams the thread's bus events to a websocket client. Only WORKING threads can
// be watched.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	thread, err := s.service.FeedThread(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe, err := s.service.Subscribe(ctx, thread.ID)
	if errors.Is(err, eventbus.ErrUnavailable) {
		respondJSON(w, http.StatusServiceUnavailable, errorResponse{
			Code:    apperr.CodeUnknown,
			Message: "live updates are unavailable",
		})
		return
	}
	if err != nil {
		respondErr(w, apperr.Wrap(apperr.CodeUnknown, err, "subscribe to thread"))
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	closed := s.metrics.FeedOpened()
	defer closed()
	logger := s.logger.With(zap.String("thread_id", thread.ID), zap.String("user_id", p.UserID))
	logger.Info("feed connected")

	outbound := make(chan any, 16)
	outbound <- protocol.NewConnectionEstablished(thread)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		// Unblocks the reader once writing stops.
		defer conn.Close()
		for {
			var err error
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
				err = conn.WriteJSON(msg)
			case payload, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
				err = conn.WriteMessage(websocket.TextMessage, payload)
			}
			if err != nil {
				logger.Debug("feed write failed", zap.Error(err))
				return
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(feedIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedIdleTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(feedIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		reply := s.feedReply(ctx, p.UserID, thread.ID, data)
		select {
		case <-ctx.Done():
		case outbound <- reply:
			continue
		}
		break
	}

	cancel()
	<-writerDone
	logger.Info("feed disconnected")
}

func (s *Server) feedReply(ctx context.Context, userID, threadID string, data []byte) any {
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "invalid_client_message",
			Detail: err.Error(),
		}
	}
	switch parsed.(type) {
	case protocol.Ping:
		return protocol.Pong{Type: protocol.TypePong}
	default:
		view, ok, err := s.service.CurrentStatus(ctx, userID, threadID)
		if err != nil {
			e, _ := apperr.From(err)
			return protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      string(apperr.CodeOf(err)),
				Retryable: e != nil && e.Retryable(),
				Detail:    "status unavailable",
			}
		}
		if !ok {
			return protocol.NewNoActiveTask()
		}
		return protocol.NewTaskStatus(view.TaskText, view.Status, view.BackgroundMode, view.ExtendedThinkingMode)
	}
}
