package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DriverNone   = "none"
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverNATS   = "nats"
	DriverAMQP   = "amqp"
)

// Config selects and addresses the transport.
type Config struct {
	Driver       string        `koanf:"driver"`
	URL          string        `koanf:"url"`
	Exchange     string        `koanf:"exchange"`
	ThinkingPace time.Duration `koanf:"thinking_pace"`
}

// NewTransport connects the configured transport. The none driver returns a nil transport,
// which leaves the bus degraded but functional.
func NewTransport(ctx context.Context, cfg Config) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryTransport(), nil
	case DriverNone:
		return nil, nil
	case DriverRedis:
		return NewRedisTransport(ctx, cfg.URL)
	case DriverNATS:
		return NewNATSTransport(cfg.URL)
	case DriverAMQP:
		return NewAMQPTransport(cfg.URL, cfg.Exchange)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, cfg.Driver)
	}
}

var ErrUnknownDriver = errors.New("unknown bus driver")

// Connect is NewTransport for startup: an unreachable broker is logged and yields a nil
// transport so the service keeps running without live updates. Only a misconfigured driver
// is an error.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport, err := NewTransport(ctx, cfg)
	if errors.Is(err, ErrUnknownDriver) {
		return nil, err
	}
	if err != nil {
		logger.Warn("event bus unreachable, live feed unavailable",
			zap.String("driver", cfg.Driver),
			zap.Error(err),
		)
		return nil, nil
	}
	if transport == nil {
		logger.Warn("event bus disabled, live feed unavailable")
	}
	return transport, nil
}
