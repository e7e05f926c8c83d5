// Package taskqueue implements the durable task queue that decouples the
// jarvis ingestion stages from the worker pool.
//
// Tasks are delivered at-least-once with lease-based exclusivity. The same
// four operations (Enqueue, ClaimAndLock, Complete, Fail) are served by one
// of two backends, selected per call from the connection-target string:
//
//   - a redis:// or rediss:// URI selects the Redis backend
//   - any other string is treated as a SQLite database path
//
// # Task lifecycle
//
//  1. Enqueue: task written with a deterministic identity derived from
//     (type, payload); duplicate submissions collapse to one task
//  2. ClaimAndLock: one worker receives the task under a lease
//  3. Processing:
//     - Complete: task deleted outright (no completed history)
//     - Fail: retry scheduled with backoff, or terminal failed once the
//       attempt ceiling is reached (dead-letter, kept for inspection)
//  4. Lease expiry: an in_progress task whose lease is older than the
//     lease window becomes claimable again; expiry is not a failure and
//     does not touch the attempt counter
//
// # At-least-once semantics
//
// A slow but alive worker whose lease expires may have its task redelivered
// while the first copy is still running. Handlers must be idempotent.
//
// # SQLite keyspace
//
// One task_queue table keyed by task_id, claimed inside a BEGIN IMMEDIATE
// transaction so candidate selection and lease marking are atomic across
// processes.
//
// # Redis keyspace
//
// All keys live under jarvis:tq:
//
//	ready            - FIFO list of immediately claimable task ids
//	delayed          - zset of task ids scored by available_at (ms)
//	leased           - zset of task ids scored by locked_at (ms)
//	dlq              - zset of terminal failed task ids scored by failure time
//	task:{id}        - full task record as a JSON blob
package taskqueue
