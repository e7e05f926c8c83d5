package taskqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sri-akshat/jarvis/pkg/log"
)

// Backend serves the four queue operations for one connection target.
type Backend interface {
	Enqueue(ctx context.Context, taskType string, payload map[string]interface{}, availableAt time.Time) error
	ClaimAndLock(ctx context.Context, taskTypes []string, leaseSeconds int) (*Task, error)
	Complete(ctx context.Context, taskID string) error
	Fail(ctx context.Context, taskID, errMsg string, retryDelaySeconds, maxAttempts int) error

	// DeadLetters lists terminal failed tasks, newest first. Operator
	// surface only; pipeline stages never call it.
	DeadLetters(ctx context.Context, limit int) ([]Task, error)

	Close() error
}

// IsRedisTarget reports whether the connection-target string selects the
// Redis backend. Any non-Redis string is treated as a SQLite path.
func IsRedisTarget(target string) bool {
	return strings.HasPrefix(target, "redis://") || strings.HasPrefix(target, "rediss://")
}

// Queue dispatches the four operations to a backend chosen from the
// connection-target string. Backend clients are lazily initialized and
// cached per target so repeated calls do not reconnect; the cache is a
// convenience, not a correctness requirement.
type Queue struct {
	mu       sync.Mutex
	backends map[string]Backend
	logger   log.Logger
	now      func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used by the queue and its backends.
func WithLogger(logger log.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithClock overrides the time source. Used by tests to drive lease expiry
// and delayed visibility without sleeping.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue with no open backends.
func New(opts ...Option) *Queue {
	q := &Queue{
		backends: make(map[string]Backend),
		logger:   log.NewLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.WithComponent("taskqueue")
	return q
}

// backend returns the cached backend for target, opening it on first use.
func (q *Queue) backend(target string) (Backend, error) {
	if target == "" {
		return nil, fmt.Errorf("taskqueue: empty connection target")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if b, ok := q.backends[target]; ok {
		return b, nil
	}
	var (
		b   Backend
		err error
	)
	if IsRedisTarget(target) {
		b, err = openRedis(target, q.now)
	} else {
		b, err = openSQLite(target, q.now)
	}
	if err != nil {
		return nil, err
	}
	q.backends[target] = b
	return b, nil
}

// EnqueueOption adjusts a single enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	availableAt time.Time
}

// WithAvailableAt schedules the task to stay invisible until t.
func WithAvailableAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.availableAt = t }
}

// Enqueue inserts or merges a task. Re-enqueueing an identity that is still
// pending or in_progress replaces its payload and available_at but keeps
// status and attempts; re-enqueueing a terminal failed task revives it with
// attempts reset to zero.
func (q *Queue) Enqueue(ctx context.Context, target, taskType string, payload map[string]interface{}, opts ...EnqueueOption) error {
	if taskType == "" {
		return fmt.Errorf("taskqueue: empty task type")
	}
	o := enqueueOptions{availableAt: q.now()}
	for _, opt := range opts {
		opt(&o)
	}
	b, err := q.backend(target)
	if err != nil {
		return err
	}
	if err := b.Enqueue(ctx, taskType, payload, o.availableAt); err != nil {
		return err
	}
	q.logger.Debug("enqueued task", log.Str("task_type", taskType))
	return nil
}

// ClaimAndLock returns the oldest claimable task under a fresh lease, or
// nil when nothing is due. A task whose previous lease is older than
// leaseSeconds counts as claimable; that is the sole crash-recovery path.
func (q *Queue) ClaimAndLock(ctx context.Context, target string, taskTypes []string, leaseSeconds int) (*Task, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = DefaultLeaseSeconds
	}
	b, err := q.backend(target)
	if err != nil {
		return nil, err
	}
	return b.ClaimAndLock(ctx, taskTypes, leaseSeconds)
}

// Complete deletes the task outright. Completing an absent id is a no-op.
func (q *Queue) Complete(ctx context.Context, target, taskID string) error {
	b, err := q.backend(target)
	if err != nil {
		return err
	}
	return b.Complete(ctx, taskID)
}

// Fail records a delivery failure. Below maxAttempts the task returns to
// pending after retryDelaySeconds; at the ceiling it becomes terminal
// failed and is kept for inspection.
func (q *Queue) Fail(ctx context.Context, target, taskID, errMsg string, retryDelaySeconds, maxAttempts int) error {
	b, err := q.backend(target)
	if err != nil {
		return err
	}
	return b.Fail(ctx, taskID, errMsg, retryDelaySeconds, maxAttempts)
}

// DeadLetters lists terminal failed tasks for operator inspection.
func (q *Queue) DeadLetters(ctx context.Context, target string, limit int) ([]Task, error) {
	b, err := q.backend(target)
	if err != nil {
		return nil, err
	}
	return b.DeadLetters(ctx, limit)
}

// Close closes every open backend.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var firstErr error
	for target, b := range q.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(q.backends, target)
	}
	return firstErr
}

// Defaults shared by the worker loop and the CLI.
const (
	DefaultLeaseSeconds      = 300
	DefaultRetryDelaySeconds = 300
	DefaultMaxAttempts       = 5
)
