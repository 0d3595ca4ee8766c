package usagestore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/task-orchestrator/internal/admission"
	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// repository is what the gateway needs from either backend
type repository interface {
	admission.UsageRepository
	admission.LogChunkRepository
	Chunks(ctx context.Context, taskID string) ([]domain.LogChunk, error)
	SaveDispatch(ctx context.Context, rec *domain.DispatchRecord) error
	GetDispatch(ctx context.Context, taskID string) (*domain.DispatchRecord, error)
	MarkFinalized(ctx context.Context, taskID string, at time.Time) (bool, error)
}

var (
	_ repository = (*SQLite)(nil)
	_ repository = (*Redis)(nil)
)

func newSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newRedis connects to TASK_ORCH_TEST_REDIS_ADDR and flushes the database
// on cleanup. Tests are skipped when the variable is unset.
func newRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("TASK_ORCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TASK_ORCH_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewRedis(client)
}

func backends(t *testing.T) map[string]func(t *testing.T) repository {
	return map[string]func(t *testing.T) repository{
		"sqlite": func(t *testing.T) repository { return newSQLite(t) },
		"redis":  func(t *testing.T) repository { return newRedis(t) },
	}
}

var testNow = time.Date(2025, 6, 10, 9, 30, 0, 0, time.UTC)

func TestRepository_GetOrCreate(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()

			u, err := repo.GetOrCreate(ctx, "u1", testNow)
			require.NoError(t, err)
			assert.Equal(t, "u1", u.UserID)
			assert.Zero(t, u.ConcurrentTasks)
			assert.True(t, u.HourStartedAt.Equal(time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)))
			assert.True(t, u.DayStartedAt.Equal(time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)))
			assert.True(t, u.MonthStartedAt.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))

			require.NoError(t, repo.RecordTaskStart(ctx, "u1", 1.25, testNow))
			again, err := repo.GetOrCreate(ctx, "u1", testNow.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, again.TasksThisHour)
			assert.True(t, again.HourStartedAt.Equal(u.HourStartedAt), "second call must not reset windows")
			assert.InDelta(t, 1.25, again.CostToday, 1e-9)
		})
	}
}

func TestRepository_IncrementConcurrentIsConditional(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			_, err := repo.GetOrCreate(ctx, "u1", testNow)
			require.NoError(t, err)

			var wg sync.WaitGroup
			var mu sync.Mutex
			granted := 0
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := repo.IncrementConcurrent(ctx, "u1", 3)
					if err == nil && ok {
						mu.Lock()
						granted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 3, granted)

			for i := 0; i < 5; i++ {
				require.NoError(t, repo.DecrementConcurrent(ctx, "u1"))
			}
			u, err := repo.GetOrCreate(ctx, "u1", testNow)
			require.NoError(t, err)
			assert.Equal(t, 0, u.ConcurrentTasks, "decrement floors at zero")
		})
	}
}

func TestRepository_UpdateLeavesConcurrencyAlone(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			u, err := repo.GetOrCreate(ctx, "u1", testNow)
			require.NoError(t, err)
			ok, err := repo.IncrementConcurrent(ctx, "u1", 3)
			require.NoError(t, err)
			require.True(t, ok)

			u.TasksThisHour = 7
			u.CostToday = 3.5
			u.HourStartedAt = testNow.Add(time.Hour)
			require.NoError(t, repo.Update(ctx, u))

			got, err := repo.GetOrCreate(ctx, "u1", testNow)
			require.NoError(t, err)
			assert.Equal(t, 1, got.ConcurrentTasks)
			assert.Equal(t, 7, got.TasksThisHour)
			assert.InDelta(t, 3.5, got.CostToday, 1e-9)
			assert.True(t, got.HourStartedAt.Equal(testNow.Add(time.Hour)))
		})
	}
}

func TestRepository_RecordActualCostClamps(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			_, err := repo.GetOrCreate(ctx, "u1", testNow)
			require.NoError(t, err)
			require.NoError(t, repo.RecordTaskStart(ctx, "u1", 2, testNow))

			require.NoError(t, repo.RecordActualCost(ctx, "u1", -5, 0.5, testNow))
			u, err := repo.GetOrCreate(ctx, "u1", testNow)
			require.NoError(t, err)
			assert.InDelta(t, 0, u.CostToday, 1e-9)
			assert.InDelta(t, 2.5, u.CostThisMonth, 1e-9)
		})
	}
}

func TestRepository_LogChunks(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()

			require.NoError(t, repo.StoreBatch(ctx, "t1", []domain.LogChunk{
				{Sequence: 1, Content: "second"},
				{Sequence: 0, Content: "first"},
			}))
			require.NoError(t, repo.StoreBatch(ctx, "t1", []domain.LogChunk{
				{Sequence: 1, Content: "resent"},
				{Sequence: 2, Content: "third"},
			}))

			chunks, err := repo.Chunks(ctx, "t1")
			require.NoError(t, err)
			require.Len(t, chunks, 3)
			assert.Equal(t, "first", chunks[0].Content)
			assert.Equal(t, "second", chunks[1].Content)
			assert.Equal(t, "third", chunks[2].Content)
			assert.Equal(t, "t1", chunks[2].TaskID)
		})
	}
}

func TestRepository_DispatchFinalizesOnce(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()

			_, err := repo.GetDispatch(ctx, "t1")
			assert.True(t, errors.Is(err, domain.ErrNotFound))

			rec := &domain.DispatchRecord{
				TaskID:         "t1",
				UserID:         "u1",
				Worker:         "mac",
				EstimatedCost:  0.75,
				WebhookSecret:  "whsec_abc",
				DayStartedAt:   time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC),
				MonthStartedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
				DispatchedAt:   testNow,
			}
			require.NoError(t, repo.SaveDispatch(ctx, rec))

			got, err := repo.GetDispatch(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, "whsec_abc", got.WebhookSecret)
			assert.Equal(t, "mac", got.Worker)
			assert.False(t, got.Finalized())

			first, err := repo.MarkFinalized(ctx, "t1", testNow.Add(time.Minute))
			require.NoError(t, err)
			second, err := repo.MarkFinalized(ctx, "t1", testNow.Add(2*time.Minute))
			require.NoError(t, err)
			assert.True(t, first)
			assert.False(t, second)

			got, err = repo.GetDispatch(ctx, "t1")
			require.NoError(t, err)
			require.True(t, got.Finalized())
			assert.True(t, got.FinalizedAt.Equal(testNow.Add(time.Minute)))
		})
	}
}

func TestSQLite_WithAdmissionController(t *testing.T) {
	repo := newSQLite(t)
	c := admission.NewController(repo, admission.DefaultLimits(), nil)
	ctx := context.Background()

	var reservations []*admission.Reservation
	for i := 0; i < 3; i++ {
		res, err := c.Admit(ctx, admission.Request{UserID: "u1", PromptLength: 10, EstimatedCost: 1})
		require.NoError(t, err)
		reservations = append(reservations, res)
	}
	_, err := c.Admit(ctx, admission.Request{UserID: "u1", PromptLength: 10, EstimatedCost: 1})
	var qerr *admission.QuotaError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, admission.CodeConcurrencyLimit, qerr.Code)

	require.NoError(t, c.RecordActualCost(ctx, reservations[0], 0.5))
	_, err = c.Admit(ctx, admission.Request{UserID: "u1", PromptLength: 10, EstimatedCost: 1})
	assert.NoError(t, err)
}
