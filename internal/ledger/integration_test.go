//go:build integration

package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resumevault/backend/internal/db"
	"github.com/resumevault/backend/internal/models"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	server, err := testserver.NewTestServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start cockroach test server: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, server.PGURL().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to cockroach test server: %v\n", err)
		server.Stop()
		os.Exit(1)
	}

	if err := db.Migrate(ctx, pool, "up", io.Discard); err != nil {
		fmt.Fprintf(os.Stderr, "apply migrations: %v\n", err)
		pool.Close()
		server.Stop()
		os.Exit(1)
	}

	testPool = pool
	code := m.Run()

	pool.Close()
	server.Stop()
	os.Exit(code)
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("RESUMEVAULT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RESUMEVAULT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func ledgers(t *testing.T) map[string]Ledger {
	out := map[string]Ledger{"postgres": NewPostgresLedger(testPool)}
	if os.Getenv("RESUMEVAULT_TEST_REDIS_ADDR") != "" {
		out["redis"] = NewRedisLedger(redisClient(t), "test-"+uuid.NewString())
	}
	return out
}

func TestLedgerScenario(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := models.ViewKey{VideoID: uuid.NewString(), ViewerID: "employer-1", ApplicationID: "app-7"}

			inc, err := l.IncrementIfBelowCap(ctx, key, 2)
			require.NoError(t, err)
			assert.Equal(t, Increment{NewCount: 1}, inc)

			inc, err = l.IncrementIfBelowCap(ctx, key, 2)
			require.NoError(t, err)
			assert.Equal(t, Increment{NewCount: 2, WasExhaustingView: true}, inc)

			for i := 0; i < 3; i++ {
				_, err = l.IncrementIfBelowCap(ctx, key, 2)
				require.ErrorIs(t, err, ErrLimitExceeded)
			}

			count, err := l.Count(ctx, key.VideoID, key.ViewerID)
			require.NoError(t, err)
			assert.Equal(t, 2, count)

			rec, err := l.Record(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, 2, rec.Count)
			assert.False(t, rec.FirstViewedAt.IsZero())

			ids, err := l.ExhaustedVideos(ctx, 2)
			require.NoError(t, err)
			assert.Contains(t, ids, key.VideoID)

			require.NoError(t, l.MarkReclaimed(ctx, key.VideoID))
			ids, err = l.ExhaustedVideos(ctx, 2)
			require.NoError(t, err)
			assert.NotContains(t, ids, key.VideoID)

			stats, err := l.Stats(ctx, key.VideoID, 2)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.UniqueViewers)
			assert.Equal(t, 2, stats.TotalViews)
			assert.Equal(t, 1, stats.ViewersExhausted)
			assert.Equal(t, 1, stats.ApplicationsWithViews)
		})
	}
}

func TestLedgerConcurrentBoundary(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := models.ViewKey{VideoID: uuid.NewString(), ViewerID: "employer-1", ApplicationID: "app-1"}

			_, err := l.IncrementIfBelowCap(ctx, key, 2)
			require.NoError(t, err)

			const racers = 16
			var (
				wg         sync.WaitGroup
				mu         sync.Mutex
				exhausting int
				denied     int
				other      []error
			)
			wg.Add(racers)
			for i := 0; i < racers; i++ {
				go func() {
					defer wg.Done()
					inc, err := l.IncrementIfBelowCap(ctx, key, 2)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case errors.Is(err, ErrLimitExceeded):
						denied++
					case err != nil:
						other = append(other, err)
					case inc.WasExhaustingView:
						exhausting++
					}
				}()
			}
			wg.Wait()

			require.Empty(t, other)
			assert.Equal(t, 1, exhausting)
			assert.Equal(t, racers-1, denied)

			count, err := l.Count(ctx, key.VideoID, key.ViewerID)
			require.NoError(t, err)
			assert.Equal(t, 2, count)
		})
	}
}
