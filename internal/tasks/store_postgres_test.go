package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockPoolConfigIsSeparate(t *testing.T) {
	cfg, err := pgxpool.ParseConfig("postgres://stepwise@localhost:5432/stepwise?pool_max_conns=2")
	require.NoError(t, err)

	lc := lockPoolConfig(cfg, 5)
	assert.Equal(t, int32(5), lc.MaxConns)
	assert.Equal(t, int32(2), cfg.MaxConns, "query pool size is untouched")
	assert.Equal(t, cfg.ConnConfig.Host, lc.ConnConfig.Host)

	assert.Equal(t, int32(DefaultLockConns), lockPoolConfig(cfg, 0).MaxConns)
}

// Runs against a live database when STEPWISE_TEST_DATABASE_URL is set.
func TestPostgresLockHoldersCanStillQuery(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("STEPWISE_TEST_DATABASE_URL"))
	if url == "" {
		t.Skip("STEPWISE_TEST_DATABASE_URL not set")
	}
	cfg, err := pgxpool.ParseConfig(url)
	require.NoError(t, err)
	cfg.MaxConns = 2

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s, err := NewPostgresStoreFromConfig(ctx, cfg, 4)
	require.NoError(t, err)
	defer s.Close()

	// More lock holders than query connections; each queries while holding its lock.
	const holders = 3
	start := make(chan struct{})
	errs := make(chan error, holders)
	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			threadID := fmt.Sprintf("lock-test-%d-%d", time.Now().UnixNano(), i)
			unlock, err := s.LockThread(ctx, threadID)
			if err != nil {
				errs <- err
				return
			}
			defer unlock()
			<-start
			if _, err := s.GetWorkingTask(ctx, threadID); err != nil && !errors.Is(err, ErrNotFound) {
				errs <- err
				return
			}
			_, err = s.RecentTasks(ctx, "lock-test-user", RecentTasksQuery{Limit: 1})
			errs <- err
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}
