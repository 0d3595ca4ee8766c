package usagestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

const keyPrefix = "taskorch:"

// Quota fields live in one hash per user.
const (
	fConcurrent = "concurrent_tasks"
	fHourTasks  = "tasks_this_hour"
	fHourStart  = "hour_started_at"
	fCostToday  = "cost_today"
	fDayStart   = "day_started_at"
	fCostMonth  = "cost_this_month"
	fMonthStart = "month_started_at"
	fUpdated    = "updated_at"
)

var incrementConcurrentScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'concurrent_tasks') or '0')
if current >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'concurrent_tasks', 1)
return 1
`)

var decrementConcurrentScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'concurrent_tasks') or '0')
if current > 0 then
  redis.call('HINCRBY', KEYS[1], 'concurrent_tasks', -1)
end
return 1
`)

var adjustCostScript = redis.NewScript(`
local today = tonumber(redis.call('HGET', KEYS[1], 'cost_today') or '0') + tonumber(ARGV[1])
local month = tonumber(redis.call('HGET', KEYS[1], 'cost_this_month') or '0') + tonumber(ARGV[2])
if today < 0 then today = 0 end
if month < 0 then month = 0 end
redis.call('HSET', KEYS[1], 'cost_today', tostring(today), 'cost_this_month', tostring(month), 'updated_at', ARGV[3])
return 1
`)

// Redis is the shared repository for horizontally scaled gateways
type Redis struct {
	client *redis.Client
	// chunkTTL bounds how long forwarded logs are kept
	chunkTTL time.Duration
}

// NewRedis wraps a connected client
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, chunkTTL: 7 * 24 * time.Hour}
}

// Close closes the client
func (r *Redis) Close() error {
	return r.client.Close()
}

func usageKey(userID string) string    { return keyPrefix + "usage:" + userID }
func logsKey(taskID string) string     { return keyPrefix + "logs:" + taskID }
func dispatchKey(taskID string) string { return keyPrefix + "dispatch:" + taskID }
func finalizedKey(taskID string) string {
	return keyPrefix + "dispatch:" + taskID + ":finalized"
}

// GetOrCreate returns the user's counters, creating the hash on first use
func (r *Redis) GetOrCreate(ctx context.Context, userID string, now time.Time) (*domain.UserUsage, error) {
	key := usageKey(userID)
	fresh := domain.NewUserUsage(userID, now)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, fConcurrent, 0)
		pipe.HSetNX(ctx, key, fHourTasks, 0)
		pipe.HSetNX(ctx, key, fHourStart, ms(fresh.HourStartedAt))
		pipe.HSetNX(ctx, key, fCostToday, 0)
		pipe.HSetNX(ctx, key, fDayStart, ms(fresh.DayStartedAt))
		pipe.HSetNX(ctx, key, fCostMonth, 0)
		pipe.HSetNX(ctx, key, fMonthStart, ms(fresh.MonthStartedAt))
		pipe.HSetNX(ctx, key, fUpdated, ms(fresh.UpdatedAt))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("initializing usage for %q: %w", userID, err)
	}

	vals, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading usage for %q: %w", userID, err)
	}
	return parseUsage(userID, vals)
}

func parseUsage(userID string, vals map[string]string) (*domain.UserUsage, error) {
	u := &domain.UserUsage{UserID: userID}
	var err error
	intField := func(name string) int64 {
		if err != nil {
			return 0
		}
		var v int64
		v, err = strconv.ParseInt(vals[name], 10, 64)
		if err != nil {
			err = fmt.Errorf("field %s: %w", name, err)
		}
		return v
	}
	floatField := func(name string) float64 {
		if err != nil {
			return 0
		}
		var v float64
		v, err = strconv.ParseFloat(vals[name], 64)
		if err != nil {
			err = fmt.Errorf("field %s: %w", name, err)
		}
		return v
	}

	u.ConcurrentTasks = int(intField(fConcurrent))
	u.TasksThisHour = int(intField(fHourTasks))
	u.HourStartedAt = fromMS(intField(fHourStart))
	u.CostToday = floatField(fCostToday)
	u.DayStartedAt = fromMS(intField(fDayStart))
	u.CostThisMonth = floatField(fCostMonth)
	u.MonthStartedAt = fromMS(intField(fMonthStart))
	u.UpdatedAt = fromMS(intField(fUpdated))
	if err != nil {
		return nil, fmt.Errorf("decoding usage for %q: %w", userID, err)
	}
	return u, nil
}

// Update writes the window fields
func (r *Redis) Update(ctx context.Context, u *domain.UserUsage) error {
	return r.client.HSet(ctx, usageKey(u.UserID),
		fHourTasks, u.TasksThisHour,
		fHourStart, ms(u.HourStartedAt),
		fCostToday, strconv.FormatFloat(u.CostToday, 'f', -1, 64),
		fDayStart, ms(u.DayStartedAt),
		fCostMonth, strconv.FormatFloat(u.CostThisMonth, 'f', -1, 64),
		fMonthStart, ms(u.MonthStartedAt),
		fUpdated, ms(u.UpdatedAt),
	).Err()
}

// IncrementConcurrent takes a slot only if the user is below limit
func (r *Redis) IncrementConcurrent(ctx context.Context, userID string, limit int) (bool, error) {
	n, err := incrementConcurrentScript.Run(ctx, r.client, []string{usageKey(userID)}, limit).Int()
	if err != nil {
		return false, fmt.Errorf("increment concurrency for %q: %w", userID, err)
	}
	return n == 1, nil
}

// DecrementConcurrent returns a slot, never going below zero
func (r *Redis) DecrementConcurrent(ctx context.Context, userID string) error {
	return decrementConcurrentScript.Run(ctx, r.client, []string{usageKey(userID)}).Err()
}

// RecordTaskStart counts the task against the hour and reserves its estimate
func (r *Redis) RecordTaskStart(ctx context.Context, userID string, estimatedCost float64, now time.Time) error {
	key := usageKey(userID)
	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, key, fHourTasks, 1)
	pipe.HIncrByFloat(ctx, key, fCostToday, estimatedCost)
	pipe.HIncrByFloat(ctx, key, fCostMonth, estimatedCost)
	pipe.HSet(ctx, key, fUpdated, ms(now))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record task start for %q: %w", userID, err)
	}
	return nil
}

// RecordActualCost applies cost corrections, clamping totals at zero
func (r *Redis) RecordActualCost(ctx context.Context, userID string, dayDelta, monthDelta float64, now time.Time) error {
	return adjustCostScript.Run(ctx, r.client, []string{usageKey(userID)},
		strconv.FormatFloat(dayDelta, 'f', -1, 64),
		strconv.FormatFloat(monthDelta, 'f', -1, 64),
		ms(now),
	).Err()
}

// StoreBatch saves log chunks in a hash keyed by sequence. HSETNX keeps
// the first copy of a repeated sequence.
func (r *Redis) StoreBatch(ctx context.Context, taskID string, chunks []domain.LogChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	key := logsKey(taskID)
	pipe := r.client.TxPipeline()
	for _, c := range chunks {
		c.TaskID = taskID
		if c.ReceivedAt.IsZero() {
			c.ReceivedAt = time.Now().UTC()
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		pipe.HSetNX(ctx, key, strconv.FormatInt(c.Sequence, 10), data)
	}
	pipe.Expire(ctx, key, r.chunkTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing log chunks for %q: %w", taskID, err)
	}
	return nil
}

// Chunks returns a task's stored chunks in sequence order
func (r *Redis) Chunks(ctx context.Context, taskID string) ([]domain.LogChunk, error) {
	vals, err := r.client.HGetAll(ctx, logsKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	chunks := make([]domain.LogChunk, 0, len(vals))
	for _, v := range vals {
		var c domain.LogChunk
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			return nil, fmt.Errorf("decoding log chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Sequence < chunks[j].Sequence })
	return chunks, nil
}

// SaveDispatch records a dispatched task
func (r *Redis) SaveDispatch(ctx context.Context, rec *domain.DispatchRecord) error {
	stored := *rec
	stored.FinalizedAt = nil
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, dispatchKey(rec.TaskID), data, 0)
	pipe.Del(ctx, finalizedKey(rec.TaskID))
	_, err = pipe.Exec(ctx)
	return err
}

// GetDispatch loads a dispatch record, or domain.ErrNotFound
func (r *Redis) GetDispatch(ctx context.Context, taskID string) (*domain.DispatchRecord, error) {
	data, err := r.client.Get(ctx, dispatchKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec domain.DispatchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding dispatch %q: %w", taskID, err)
	}

	fin, err := r.client.Get(ctx, finalizedKey(taskID)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, err
	default:
		t := fromMS(fin)
		rec.FinalizedAt = &t
	}
	return &rec, nil
}

// MarkFinalized sets the finalized marker once via SETNX
func (r *Redis) MarkFinalized(ctx context.Context, taskID string, at time.Time) (bool, error) {
	return r.client.SetNX(ctx, finalizedKey(taskID), ms(at), 0).Result()
}
