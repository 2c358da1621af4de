package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/stepwise/internal/logging"
)

func TestConnectDegradesWhenBrokerUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger, logs := logging.NewObserved()

	transport, err := Connect(ctx, Config{Driver: DriverRedis, URL: "redis://127.0.0.1:1/0"}, logger)
	require.NoError(t, err)
	assert.Nil(t, transport)
	require.Equal(t, 1, logs.FilterMessage("event bus unreachable, live feed unavailable").Len())

	bus := New(transport, WithThinkingPace(0))
	assert.False(t, bus.Available())
	bus.PublishStatus(ctx, "t1", "task_completed", nil)
	_, _, err = bus.Subscribe(ctx, "t1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NoError(t, bus.Close())
}

func TestConnectRejectsUnknownDriver(t *testing.T) {
	_, err := Connect(context.Background(), Config{Driver: "kafka"}, nil)
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestConnectNoneDriver(t *testing.T) {
	logger, logs := logging.NewObserved()
	transport, err := Connect(context.Background(), Config{Driver: DriverNone}, logger)
	require.NoError(t, err)
	assert.Nil(t, transport)
	assert.Equal(t, 1, logs.FilterMessage("event bus disabled, live feed unavailable").Len())
}
