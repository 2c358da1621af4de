package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/stepwise/internal/apperr"
	"github.com/ent0n29/stepwise/internal/config"
	"github.com/ent0n29/stepwise/internal/identity"
	"github.com/ent0n29/stepwise/internal/observability"
	"github.com/ent0n29/stepwise/internal/taskruntime"
)

type Server struct {
	cfg      config.HTTPConfig
	service  *taskruntime.Service
	resolver identity.Resolver
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.HTTPConfig, service *taskruntime.Service, resolver identity.Resolver, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		service:  service,
		resolver: resolver,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Desktop clients usually omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	r.Get("/v1/perf/steps", s.handlePerfSteps)

	r.Route("/v1/threads", func(r chi.Router) {
		r.Use(identity.Middleware(s.resolver, func(w http.ResponseWriter, _ *http.Request, err error) {
			respondErr(w, err)
		}))
		r.Post("/", s.handleCreateThread)
		r.Post("/cancel_all", s.handleCancelAll)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/messages", s.handleSendMessage)
			r.Get("/messages", s.handleListMessages)
			r.Get("/status", s.handleStatus)
			r.Post("/current_subtask", s.handleCurrentSubtask)
			r.Post("/desktop_step", s.handleDesktopStep)
			r.Post("/background_step", s.handleBackgroundStep)
			r.Post("/cancel", s.handleCancel)
			r.Get("/ws", s.handleFeed)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// requestLog logs each request and counts it by route pattern.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.metrics.ObserveHTTP(route, status)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type errorResponse struct {
	Code      apperr.Code `json:"code"`
	Reason    string      `json:"reason,omitempty"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// decodeOptional accepts an empty body and leaves out untouched.
func decodeOptional(r *http.Request, out any) error {
	if err := decodeJSON(r, out); err != nil && !errors.Is(err, errEmptyBody) {
		return apperr.InvalidArgument("invalid request body: " + err.Error())
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondErr writes err in the coded error shape. Causes never reach the client.
func respondErr(w http.ResponseWriter, err error) {
	e, ok := apperr.From(err)
	if !ok {
		e = apperr.Wrap(apperr.CodeUnknown, err, apperr.AttributesOf(apperr.CodeUnknown).Message)
	}
	respondJSON(w, apperr.HTTPStatus(e), errorResponse{
		Code:      e.Code(),
		Reason:    e.Reason(),
		Message:   e.Message(),
		Retryable: e.Retryable(),
	})
}
