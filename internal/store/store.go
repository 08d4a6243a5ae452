// Package store persists task records and execution history in Redis.
//
// Layout: one hash per task ("data" holds the JSON record, "state" mirrors the
// state for atomic transition checks), a ZSET ordering ids by creation time,
// a ZSET of recurring task ids scored by next-run time, and a capped list of
// execution records per task.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cronflow/cronflow/internal/task"
)

const (
	indexKey      = "cronflow:tasks"
	dueKey        = "cronflow:due"
	taskPrefix    = "cronflow:task:"
	historyPrefix = "cronflow:history:"
)

func taskKey(id string) string    { return taskPrefix + id }
func historyKey(id string) string { return historyPrefix + id }

// markProcessing flips a task into processing only if it is not already there.
// The check and the write are a single step on the server, which closes the
// race between two concurrent run requests for the same id.
//
// Returns -1 when the task is missing, 0 when it is already processing.
var markProcessing = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state == 'processing' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'processing')
return 1
`)

// requeueCompleted returns a recurring task to queued only while it still sits
// in the transient completed state. A task another run has already moved back
// to processing must not be overwritten, or the single-flight guard would be
// undone by a late requeue.
//
// Returns -1 when the task is missing, 0 when it is no longer completed.
var requeueCompleted = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state ~= 'completed' then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'state', 'queued')
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

type Store struct {
	client       *redis.Client
	historyLimit int64
	log          zerolog.Logger
}

func New(addr, password string, db, historyLimit int, log zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Store{
		client:       client,
		historyLimit: int64(historyLimit),
		log:          log.With().Str("component", "store").Logger(),
	}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Create persists a new task in state queued. The id is assigned here.
func (s *Store) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	t = t.Clone()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.State = task.StateQueued
	t.IsRecurring = t.SchedulePattern != ""
	t.Attempts = 0
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	pipe := s.client.Pipeline()
	if err := writeTask(ctx, pipe, t); err != nil {
		return nil, err
	}
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(t.CreatedAt.UnixNano()), Member: t.ID})

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*task.Task, error) {
	data, err := s.client.HGet(ctx, taskKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// Filter narrows FindAll results. Zero values match everything.
type Filter struct {
	State     task.State
	Priority  task.Priority
	Recurring *bool
	Limit     int
}

// FindAll returns tasks ordered by creation time descending.
func (s *Store) FindAll(ctx context.Context, f Filter) ([]*task.Task, error) {
	ids, err := s.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if f.State != "" && t.State != f.State {
			continue
		}
		if f.Priority != "" && t.Priority != f.Priority {
			continue
		}
		if f.Recurring != nil && t.IsRecurring != *f.Recurring {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// FindDueRecurring returns recurring tasks whose next run time has passed and
// whose state is queued or completed. Completed is included defensively: a
// recurring task is briefly completed between finishing and being requeued.
func (s *Store) FindDueRecurring(ctx context.Context, now time.Time) ([]*task.Task, error) {
	ids, err := s.client.ZRangeByScore(ctx, dueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}

	tasks, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if !t.IsRecurring {
			continue
		}
		if t.State != task.StateQueued && t.State != task.StateCompleted {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// MarkProcessing atomically transitions a task into processing, increments its
// attempt count and stamps lastRunAt. A task already processing yields
// ErrInvalidStateTransition without any mutation.
//
// This write lands before the work unit starts, so a crash mid-run can never
// hide that the attempt happened.
func (s *Store) MarkProcessing(ctx context.Context, id string, now time.Time) (*task.Task, error) {
	res, err := markProcessing.Run(ctx, s.client, []string{taskKey(id)}).Int()
	if err != nil {
		return nil, fmt.Errorf("mark processing %s: %w", id, err)
	}
	switch res {
	case -1:
		return nil, task.ErrNotFound
	case 0:
		return nil, fmt.Errorf("task %s is already processing: %w", id, task.ErrInvalidStateTransition)
	}

	// We won the transition; until this task leaves processing, nobody else
	// writes the record.
	t, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	t.State = task.StateProcessing
	t.Attempts++
	t.LastRunAt = &now
	t.NextRunAt = nil

	if err := s.write(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Complete records a successful run.
func (s *Store) Complete(ctx context.Context, id string, finishedAt time.Time, took time.Duration) (*task.Task, error) {
	t, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	t.State = task.StateCompleted
	t.CompletedAt = &finishedAt
	t.LastDurationMs = took.Milliseconds()
	t.LastError = ""

	if err := s.write(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Fail records a failed run. No retry is scheduled.
func (s *Store) Fail(ctx context.Context, id string, finishedAt time.Time, took time.Duration, reason string) (*task.Task, error) {
	t, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	t.State = task.StateFailed
	t.CompletedAt = &finishedAt
	t.LastDurationMs = took.Milliseconds()
	t.LastError = reason
	t.NextRunAt = nil

	if err := s.write(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Requeue returns a recurring task to queued with its next run time. The write
// is conditional on the task still being completed: if a new run has already
// claimed it, ErrInvalidStateTransition is returned and nothing is mutated.
func (s *Store) Requeue(ctx context.Context, id string, nextRunAt time.Time) (*task.Task, error) {
	t, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	t.State = task.StateQueued
	t.NextRunAt = &nextRunAt

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	res, err := requeueCompleted.Run(ctx, s.client,
		[]string{taskKey(id), dueKey},
		data, strconv.FormatInt(nextRunAt.Unix(), 10), id,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("requeue %s: %w", id, err)
	}
	switch res {
	case -1:
		return nil, task.ErrNotFound
	case 0:
		return nil, fmt.Errorf("task %s is no longer completed: %w", id, task.ErrInvalidStateTransition)
	}
	return t, nil
}

// AppendHistory adds one execution record, newest first, trimmed to the cap.
func (s *Store) AppendHistory(ctx context.Context, id string, rec task.ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, historyKey(id), data)
	pipe.LTrim(ctx, historyKey(id), 0, s.historyLimit-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history %s: %w", id, err)
	}
	return nil
}

// History returns execution records, newest first.
func (s *Store) History(ctx context.Context, id string) ([]task.ExecutionRecord, error) {
	items, err := s.client.LRange(ctx, historyKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}

	out := make([]task.ExecutionRecord, 0, len(items))
	for _, item := range items {
		var rec task.ExecutionRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes a task and its history. Returns false if the id was unknown.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	exists, err := s.client.Exists(ctx, taskKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	if exists == 0 {
		return false, nil
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, taskKey(id), historyKey(id))
	pipe.ZRem(ctx, indexKey, id)
	pipe.ZRem(ctx, dueKey, id)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	return true, nil
}

// CountByState tallies tasks per state for the stats endpoint.
func (s *Store) CountByState(ctx context.Context) (map[task.State]int, error) {
	tasks, err := s.FindAll(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[task.State]int, 4)
	for _, t := range tasks {
		counts[t.State]++
	}
	return counts, nil
}

func (s *Store) write(ctx context.Context, t *task.Task) error {
	pipe := s.client.Pipeline()
	if err := writeTask(ctx, pipe, t); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

// writeTask queues the full record write: JSON data, the mirrored state field,
// and membership in the due set.
func writeTask(ctx context.Context, pipe redis.Pipeliner, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pipe.HSet(ctx, taskKey(t.ID), "data", data, "state", string(t.State))
	if t.NextRunAt != nil {
		pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(t.NextRunAt.Unix()), Member: t.ID})
	} else {
		pipe.ZRem(ctx, dueKey, t.ID)
	}
	return nil
}

func (s *Store) fetch(ctx context.Context, ids []string) ([]*task.Task, error) {
	if len(ids) == 0 {
		return []*task.Task{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, taskKey(id), "data")
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}

		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}
