package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sri-akshat/jarvis/internal/taskqueue"
	"github.com/sri-akshat/jarvis/pkg/log"
)

// Handler processes one claimed task. A non-nil error sends the task back
// through the queue's retry path.
type Handler func(ctx context.Context, task *taskqueue.Task) error

// Options configures a Worker.
type Options struct {
	Queue  *taskqueue.Queue
	Target string

	// TaskTypes restricts claims to a subset of types. Empty means every
	// type with a registered handler.
	TaskTypes []string

	PollInterval      time.Duration
	LeaseSeconds      int
	RetryDelaySeconds int
	MaxAttempts       int
	Logger            log.Logger
}

// Worker is a single poll-loop consumer. Run several processes (or several
// Workers) against the same target to scale out; the queue guarantees each
// task is leased to one of them at a time.
type Worker struct {
	name     string
	queue    *taskqueue.Queue
	target   string
	types    []string
	handlers map[string]Handler

	pollInterval time.Duration
	leaseSeconds int
	retryDelay   int
	maxAttempts  int
	logger       log.Logger
}

// New creates a Worker with no handlers registered.
func New(opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.LeaseSeconds <= 0 {
		opts.LeaseSeconds = taskqueue.DefaultLeaseSeconds
	}
	if opts.RetryDelaySeconds < 0 {
		opts.RetryDelaySeconds = taskqueue.DefaultRetryDelaySeconds
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = taskqueue.DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	name := "worker-" + uuid.NewString()[:8]
	return &Worker{
		name:         name,
		queue:        opts.Queue,
		target:       opts.Target,
		types:        opts.TaskTypes,
		handlers:     make(map[string]Handler),
		pollInterval: opts.PollInterval,
		leaseSeconds: opts.LeaseSeconds,
		retryDelay:   opts.RetryDelaySeconds,
		maxAttempts:  opts.MaxAttempts,
		logger:       opts.Logger.WithComponent("worker").With(log.Str("worker", name)),
	}
}

// Name returns the worker's generated instance name.
func (w *Worker) Name() string { return w.name }

// Register installs the handler for a task type, replacing any previous one.
func (w *Worker) Register(taskType string, h Handler) {
	w.handlers[taskType] = h
}

// taskTypes returns the claim filter: the explicit subset when configured,
// otherwise every registered handler type.
func (w *Worker) taskTypes() []string {
	if len(w.types) > 0 {
		return w.types
	}
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RunOnce claims and processes at most one task. It reports whether a task
// was processed; queue-level errors are returned, handler errors are
// recorded via Fail and do not propagate.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.queue.ClaimAndLock(ctx, w.target, w.taskTypes(), w.leaseSeconds)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	w.logger.Info("picked task",
		log.Str("task_id", task.TaskID),
		log.Str("task_type", task.Type),
		log.Int("attempts", task.Attempts),
	)

	start := time.Now()
	if herr := w.dispatch(ctx, task); herr != nil {
		w.logger.Error("task failed",
			log.Str("task_id", task.TaskID),
			log.Str("task_type", task.Type),
			log.Err(herr),
		)
		if ferr := w.queue.Fail(ctx, w.target, task.TaskID, herr.Error(), w.retryDelay, w.maxAttempts); ferr != nil {
			return true, ferr
		}
		return true, nil
	}
	if cerr := w.queue.Complete(ctx, w.target, task.TaskID); cerr != nil {
		return true, cerr
	}
	w.logger.Info("completed task",
		log.Str("task_id", task.TaskID),
		log.Str("task_type", task.Type),
		log.Dur("elapsed", time.Since(start)),
	)
	return true, nil
}

// dispatch runs the handler for the task's type. A panicking handler is
// converted into an ordinary failure so the task goes through retry rather
// than killing the worker.
func (w *Worker) dispatch(ctx context.Context, task *taskqueue.Task) (err error) {
	handler, ok := w.handlers[task.Type]
	if !ok {
		return fmt.Errorf("unsupported task type: %s", task.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

// Run polls until ctx is cancelled, sleeping pollInterval whenever the
// queue is empty or errors transiently.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		log.Str("target", w.target),
		log.Any("task_types", w.taskTypes()),
		log.Dur("poll_interval", w.pollInterval),
	)
	for {
		processed, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("queue operation failed", log.Err(err))
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}
