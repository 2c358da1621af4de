package model

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Instrument logs token usage and records call latency for a role.
func Instrument(role Role, next Invoker, logger *zap.Logger, latency *prometheus.HistogramVec) Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return InvokerFunc(func(ctx context.Context, req Request) (Response, error) {
		start := time.Now()
		resp, err := next.Invoke(ctx, req)
		elapsed := time.Since(start)

		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		if latency != nil {
			latency.WithLabelValues(string(role), outcome).Observe(elapsed.Seconds())
		}
		if err != nil {
			logger.Warn("model call failed", zap.String("role", string(role)), zap.Duration("elapsed", elapsed), zap.Error(err))
			return resp, err
		}
		logger.Info("model call",
			zap.String("role", string(role)),
			zap.Duration("elapsed", elapsed),
			zap.Int("input_tokens", resp.Usage.InputTokens),
			zap.Int("output_tokens", resp.Usage.OutputTokens),
			zap.Int("total_tokens", resp.Usage.TotalTokens),
		)
		return resp, nil
	})
}
