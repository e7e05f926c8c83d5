// Package worker runs the poll loop that drains the task queue.
//
// A Worker owns a set of Handler funcs keyed by task type. Each iteration
// claims at most one task, runs its handler synchronously, then completes
// or fails the task. This is the only place where handler errors are
// translated into queue failures; the queue itself never interprets
// payloads or handler semantics.
//
// Handlers must be idempotent: the queue is at-least-once, and a task whose
// lease expires mid-run can be redelivered to another worker.
package worker
