package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// redisMaintenanceBatch caps how many delayed promotions and stale
	// lease requeues a single claim call performs. Large backlogs drain
	// incrementally across repeated calls.
	redisMaintenanceBatch = 128

	// redisEnqueueRetries bounds the optimistic WATCH loop before the
	// contention is surfaced to the caller.
	redisEnqueueRetries = 8
)

// redisBackend serves one shared queue namespace on a Redis server. Record
// updates use optimistic WATCH transactions; index moves rely on the
// atomicity of the individual list/zset commands. A record's status and its
// index placement may briefly disagree; the maintenance passes in
// ClaimAndLock self-heal those windows.
type redisBackend struct {
	client *redis.Client
	now    func() time.Time
}

func openRedis(target string, now func() time.Time) (*redisBackend, error) {
	opt, err := redis.ParseURL(target)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: parse redis target: %w", err)
	}
	return &redisBackend{client: redis.NewClient(opt), now: now}, nil
}

// placeTask queues the index insert that matches the task's availability:
// ready when due, delayed otherwise.
func placeTask(ctx context.Context, c redis.Cmdable, task *Task, now time.Time) {
	if task.AvailableAt.After(now) {
		c.ZAdd(ctx, redisDelayedKey, redis.Z{
			Score:  float64(task.AvailableAt.UnixMilli()),
			Member: task.TaskID,
		})
		return
	}
	c.RPush(ctx, redisReadyKey, task.TaskID)
}

func (b *redisBackend) Enqueue(ctx context.Context, taskType string, payload map[string]interface{}, availableAt time.Time) error {
	taskID, err := ComputeTaskID(taskType, payload)
	if err != nil {
		return err
	}
	now := b.now()

	merge := func(tx *redis.Tx) error {
		task := Task{
			TaskID:      taskID,
			Type:        taskType,
			Status:      StatusPending,
			CreatedAt:   now,
			AvailableAt: availableAt,
		}
		raw, err := tx.Get(ctx, redisTaskKey(taskID)).Result()
		switch {
		case err == nil:
			var existing Task
			if jerr := json.Unmarshal([]byte(raw), &existing); jerr != nil {
				return fmt.Errorf("taskqueue: decode record %s: %w", taskID, jerr)
			}
			task = existing
			task.AvailableAt = availableAt
			if task.Status == StatusFailed {
				// Revival: a dead-lettered identity re-submitted starts over.
				task.Status = StatusPending
				task.Attempts = 0
				task.LastError = ""
				task.LockedAt = nil
			}
		case errors.Is(err, redis.Nil):
			// fresh task
		default:
			return fmt.Errorf("taskqueue: read record %s: %w", taskID, err)
		}
		task.Payload = payload
		task.UpdatedAt = now

		encoded, err := json.Marshal(&task)
		if err != nil {
			return fmt.Errorf("taskqueue: encode record %s: %w", taskID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisTaskKey(taskID), encoded, 0)
			pipe.LRem(ctx, redisReadyKey, 0, taskID)
			pipe.ZRem(ctx, redisDelayedKey, taskID)
			pipe.ZRem(ctx, redisLeasedKey, taskID)
			pipe.ZRem(ctx, redisDLQKey, taskID)
			placeTask(ctx, pipe, &task, now)
			return nil
		})
		return err
	}

	for i := 0; i < redisEnqueueRetries; i++ {
		err := b.client.Watch(ctx, merge, redisTaskKey(taskID))
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("taskqueue: enqueue %s: watch contention after %d attempts", taskID, redisEnqueueRetries)
}

// promoteDue moves up to redisMaintenanceBatch due entries from the delayed
// zset into the ready list. The ZRem decides the winner when several
// claimers promote concurrently.
func (b *redisBackend) promoteDue(ctx context.Context, now time.Time) error {
	ids, err := b.client.ZRangeByScore(ctx, redisDelayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: redisMaintenanceBatch,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("taskqueue: scan delayed: %w", err)
	}
	for _, id := range ids {
		removed, err := b.client.ZRem(ctx, redisDelayedKey, id).Result()
		if err != nil {
			return fmt.Errorf("taskqueue: promote %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		if err := b.client.RPush(ctx, redisReadyKey, id).Err(); err != nil {
			return fmt.Errorf("taskqueue: promote %s: %w", id, err)
		}
	}
	return nil
}

// requeueStale returns up to redisMaintenanceBatch expired leases to
// availability, exactly as a fresh enqueue would place them. Attempts are
// untouched; lease expiry is not a failure.
func (b *redisBackend) requeueStale(ctx context.Context, now time.Time, leaseSeconds int) error {
	cutoff := now.Add(-time.Duration(leaseSeconds) * time.Second).UnixMilli()
	ids, err := b.client.ZRangeByScore(ctx, redisLeasedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff, 10),
		Count: redisMaintenanceBatch,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("taskqueue: scan leases: %w", err)
	}
	for _, id := range ids {
		removed, err := b.client.ZRem(ctx, redisLeasedKey, id).Result()
		if err != nil {
			return fmt.Errorf("taskqueue: drop lease %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		task, err := b.getTask(ctx, id)
		if err != nil {
			return err
		}
		if task == nil {
			continue // orphan lease entry, nothing to requeue
		}
		task.Status = StatusPending
		task.LockedAt = nil
		task.UpdatedAt = now
		if err := b.writeAndPlace(ctx, task, now); err != nil {
			return err
		}
	}
	return nil
}

func (b *redisBackend) ClaimAndLock(ctx context.Context, taskTypes []string, leaseSeconds int) (*Task, error) {
	now := b.now()
	if err := b.promoteDue(ctx, now); err != nil {
		return nil, err
	}
	if err := b.requeueStale(ctx, now, leaseSeconds); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(taskTypes))
	for _, t := range taskTypes {
		wanted[t] = true
	}

	// Bounded by the list length at call time, so a fully filtered-out
	// ready list cannot loop forever.
	limit, err := b.client.LLen(ctx, redisReadyKey).Result()
	if err != nil {
		return nil, fmt.Errorf("taskqueue: ready length: %w", err)
	}
	for i := int64(0); i < limit; i++ {
		id, err := b.client.LPop(ctx, redisReadyKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("taskqueue: pop ready: %w", err)
		}
		task, err := b.getTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task == nil {
			continue // orphan index entry, drop it
		}
		if len(wanted) > 0 && !wanted[task.Type] {
			if err := b.client.RPush(ctx, redisReadyKey, id).Err(); err != nil {
				return nil, fmt.Errorf("taskqueue: requeue filtered %s: %w", id, err)
			}
			continue
		}

		lockedAt := now
		task.Status = StatusInProgress
		task.LockedAt = &lockedAt
		task.UpdatedAt = now
		encoded, err := json.Marshal(task)
		if err != nil {
			return nil, fmt.Errorf("taskqueue: encode record %s: %w", id, err)
		}
		_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisTaskKey(id), encoded, 0)
			pipe.ZAdd(ctx, redisLeasedKey, redis.Z{
				Score:  float64(lockedAt.UnixMilli()),
				Member: id,
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("taskqueue: mark leased %s: %w", id, err)
		}
		return task, nil
	}
	return nil, nil
}

func (b *redisBackend) Complete(ctx context.Context, taskID string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisTaskKey(taskID))
		pipe.LRem(ctx, redisReadyKey, 0, taskID)
		pipe.ZRem(ctx, redisDelayedKey, taskID)
		pipe.ZRem(ctx, redisLeasedKey, taskID)
		pipe.ZRem(ctx, redisDLQKey, taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("taskqueue: complete %s: %w", taskID, err)
	}
	return nil
}

func (b *redisBackend) Fail(ctx context.Context, taskID, errMsg string, retryDelaySeconds, maxAttempts int) error {
	now := b.now()
	task, err := b.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return nil // already completed or never existed
	}
	task.Attempts++
	task.LockedAt = nil
	task.LastError = TruncateError(errMsg)
	task.AvailableAt = now.Add(time.Duration(retryDelaySeconds) * time.Second)
	task.UpdatedAt = now

	if err := b.client.ZRem(ctx, redisLeasedKey, taskID).Err(); err != nil {
		return fmt.Errorf("taskqueue: drop lease %s: %w", taskID, err)
	}
	if task.Attempts >= maxAttempts {
		task.Status = StatusFailed
		encoded, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("taskqueue: encode record %s: %w", taskID, err)
		}
		// Terminal: the record stays for inspection but never re-enters
		// the claimable indexes.
		_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisTaskKey(taskID), encoded, 0)
			pipe.LRem(ctx, redisReadyKey, 0, taskID)
			pipe.ZRem(ctx, redisDelayedKey, taskID)
			pipe.ZAdd(ctx, redisDLQKey, redis.Z{Score: float64(now.UnixMilli()), Member: taskID})
			return nil
		})
		if err != nil {
			return fmt.Errorf("taskqueue: dead-letter %s: %w", taskID, err)
		}
		return nil
	}

	task.Status = StatusPending
	return b.writeAndPlace(ctx, task, now)
}

func (b *redisBackend) DeadLetters(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := b.client.ZRevRange(ctx, redisDLQKey, 0, int64(limit)-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("taskqueue: list dead letters: %w", err)
	}
	var tasks []Task
	for _, id := range ids {
		task, err := b.getTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task == nil {
			continue
		}
		tasks = append(tasks, *task)
	}
	return tasks, nil
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}

// getTask reads and decodes a record, returning nil when the id is unknown.
func (b *redisBackend) getTask(ctx context.Context, taskID string) (*Task, error) {
	raw, err := b.client.Get(ctx, redisTaskKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskqueue: read record %s: %w", taskID, err)
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("taskqueue: decode record %s: %w", taskID, err)
	}
	return &task, nil
}

// writeAndPlace persists the record and routes it into ready or delayed.
func (b *redisBackend) writeAndPlace(ctx context.Context, task *Task, now time.Time) error {
	encoded, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("taskqueue: encode record %s: %w", task.TaskID, err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisTaskKey(task.TaskID), encoded, 0)
		placeTask(ctx, pipe, task, now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("taskqueue: requeue %s: %w", task.TaskID, err)
	}
	return nil
}
