package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/stepwise/internal/config"
	"github.com/ent0n29/stepwise/internal/eventbus"
	"github.com/ent0n29/stepwise/internal/httpapi"
	"github.com/ent0n29/stepwise/internal/identity"
	"github.com/ent0n29/stepwise/internal/logging"
	"github.com/ent0n29/stepwise/internal/memory"
	"github.com/ent0n29/stepwise/internal/model"
	"github.com/ent0n29/stepwise/internal/observability"
	"github.com/ent0n29/stepwise/internal/prompts"
	"github.com/ent0n29/stepwise/internal/taskruntime"
	"github.com/ent0n29/stepwise/internal/tasks"
	"github.com/ent0n29/stepwise/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the step API and the live feed",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.Metrics.Namespace, reg)

	store, err := tasks.NewStore(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("task store init failed: %w", err)
	}
	defer store.Close()
	memoryStore, err := memory.NewStore(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("memory store init failed: %w", err)
	}
	defer memoryStore.Close()

	transport, err := eventbus.Connect(ctx, cfg.Bus, logger.Named("bus"))
	if err != nil {
		return fmt.Errorf("event bus init failed: %w", err)
	}
	bus := eventbus.New(transport,
		eventbus.WithLogger(logger.Named("bus")),
		eventbus.WithPublishCounter(metrics.BusPublishes),
		eventbus.WithThinkingPace(cfg.Bus.ThinkingPace),
	)
	defer bus.Close()

	promptSet, err := prompts.Load(cfg.Prompts.Path)
	if err != nil {
		return err
	}
	models, err := model.NewSet(cfg.Model, func(role model.Role, inv model.Invoker) model.Invoker {
		return model.Instrument(role, inv, logger.Named("model"), metrics.ModelLatency)
	})
	if err != nil {
		return fmt.Errorf("model init failed: %w", err)
	}
	runner := tools.NewRunner(cfg.Tools, models.Summarizer, promptSet.Summarizer,
		tools.WithLogger(logger.Named("tools")),
		tools.WithInvocationCounter(metrics.ToolInvocations),
	)

	svc := taskruntime.New(taskruntime.Deps{
		Store:   store,
		Memory:  memoryStore,
		Bus:     bus,
		Models:  models,
		Prompts: promptSet,
		Tools:   runner,
		Metrics: metrics,
		Logger:  logger.Named("runtime"),
	})

	resolver, err := newResolver(cfg.Auth, logger)
	if err != nil {
		return err
	}
	api := httpapi.New(cfg.HTTP, svc, resolver, metrics, logger.Named("http"))
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Feed connections are hijacked; they end with ctx rather than Shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("bus", cfg.Bus.Driver),
			zap.Bool("postgres", cfg.Database.URL != ""),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

func newResolver(cfg config.AuthConfig, logger *zap.Logger) (identity.Resolver, error) {
	if cfg.Secret != "" {
		r, err := identity.NewJWTResolver(cfg.Config, nil)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	logger.Warn("no jwt secret configured, serving every request as the dev user", zap.String("user_id", cfg.DevUserID))
	return identity.Static{Principal: identity.Principal{UserID: cfg.DevUserID}}, nil
}
