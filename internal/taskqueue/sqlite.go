package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteSchema is created on demand so any caller can point the queue at a
// fresh database file.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS task_queue (
    task_id TEXT PRIMARY KEY,
    task_type TEXT NOT NULL,
    status TEXT NOT NULL,
    payload TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    available_at INTEGER NOT NULL,
    locked_at INTEGER,
    last_error TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS task_queue_claim_idx ON task_queue(status, available_at);
`

// sqliteBackend serves one database file. Claims rely on BEGIN IMMEDIATE
// (via the _txlock DSN option) so "select candidate, mark leased" is atomic
// with respect to every other writer, across processes.
type sqliteBackend struct {
	db  *sql.DB
	now func() time.Time
}

func openSQLite(path string, now func() time.Time) (*sqliteBackend, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("taskqueue: ensure schema %s: %w", path, err)
	}
	return &sqliteBackend{db: db, now: now}, nil
}

func (b *sqliteBackend) Enqueue(ctx context.Context, taskType string, payload map[string]interface{}, availableAt time.Time) error {
	taskID, err := ComputeTaskID(taskType, payload)
	if err != nil {
		return err
	}
	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return err
	}
	nowMs := b.now().UnixMilli()
	// available_at is overwritten even when the task is already pending,
	// which can postpone an almost-due task. Duplicate submitters share
	// one row, so the latest submission's schedule wins.
	_, err = b.db.ExecContext(ctx, `
        INSERT INTO task_queue (
            task_id, task_type, status, payload, attempts,
            available_at, created_at, updated_at
        ) VALUES (?, ?, ?, ?, 0, ?, ?, ?)
        ON CONFLICT(task_id) DO UPDATE SET
            status = CASE
                WHEN task_queue.status = 'failed' THEN excluded.status
                ELSE task_queue.status
            END,
            attempts = CASE
                WHEN task_queue.status = 'failed' THEN 0
                ELSE task_queue.attempts
            END,
            last_error = CASE
                WHEN task_queue.status = 'failed' THEN NULL
                ELSE task_queue.last_error
            END,
            payload = excluded.payload,
            available_at = excluded.available_at,
            updated_at = excluded.updated_at`,
		taskID, taskType, StatusPending, canonical,
		availableAt.UnixMilli(), nowMs, nowMs,
	)
	if err != nil {
		return fmt.Errorf("taskqueue: enqueue %s: %w", taskID, err)
	}
	return nil
}

func (b *sqliteBackend) ClaimAndLock(ctx context.Context, taskTypes []string, leaseSeconds int) (*Task, error) {
	now := b.now()
	nowMs := now.UnixMilli()
	staleMs := now.Add(-time.Duration(leaseSeconds) * time.Second).UnixMilli()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
        SELECT task_id, task_type, payload, attempts, available_at, last_error
        FROM task_queue
        WHERE status IN ('pending', 'in_progress')
          AND (
                (status = 'pending' AND available_at <= ?)
             OR (status = 'in_progress' AND locked_at <= ?)
          )`
	args := []interface{}{nowMs, staleMs}
	if len(taskTypes) > 0 {
		query += " AND task_type IN (?" + strings.Repeat(",?", len(taskTypes)-1) + ")"
		for _, t := range taskTypes {
			args = append(args, t)
		}
	}
	query += " ORDER BY available_at ASC LIMIT 1"

	var (
		task        Task
		payloadJSON string
		availableMs int64
		lastError   sql.NullString
	)
	row := tx.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&task.TaskID, &task.Type, &payloadJSON, &task.Attempts, &availableMs, &lastError); err != nil {
		if err == sql.ErrNoRows {
			return nil, tx.Commit()
		}
		return nil, fmt.Errorf("taskqueue: select candidate: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE task_queue
        SET status = ?, locked_at = ?, updated_at = ?
        WHERE task_id = ?`,
		StatusInProgress, nowMs, nowMs, task.TaskID,
	); err != nil {
		return nil, fmt.Errorf("taskqueue: mark leased %s: %w", task.TaskID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("taskqueue: commit claim %s: %w", task.TaskID, err)
	}

	if err := json.Unmarshal([]byte(payloadJSON), &task.Payload); err != nil {
		return nil, fmt.Errorf("taskqueue: decode payload %s: %w", task.TaskID, err)
	}
	task.Status = StatusInProgress
	task.AvailableAt = time.UnixMilli(availableMs)
	task.LockedAt = &now
	task.LastError = lastError.String
	return &task, nil
}

func (b *sqliteBackend) Complete(ctx context.Context, taskID string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("taskqueue: complete %s: %w", taskID, err)
	}
	return nil
}

func (b *sqliteBackend) Fail(ctx context.Context, taskID, errMsg string, retryDelaySeconds, maxAttempts int) error {
	now := b.now()
	nowMs := now.UnixMilli()
	retryMs := now.Add(time.Duration(retryDelaySeconds) * time.Second).UnixMilli()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("taskqueue: begin fail: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts FROM task_queue WHERE task_id = ?`, taskID).Scan(&attempts)
	if err == sql.ErrNoRows {
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("taskqueue: read attempts %s: %w", taskID, err)
	}
	attempts++
	status := StatusPending
	if attempts >= maxAttempts {
		status = StatusFailed
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE task_queue
        SET status = ?, attempts = ?, available_at = ?, locked_at = NULL,
            last_error = ?, updated_at = ?
        WHERE task_id = ?`,
		status, attempts, retryMs, TruncateError(errMsg), nowMs, taskID,
	); err != nil {
		return fmt.Errorf("taskqueue: record failure %s: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("taskqueue: commit fail %s: %w", taskID, err)
	}
	return nil
}

func (b *sqliteBackend) DeadLetters(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.db.QueryContext(ctx, `
        SELECT task_id, task_type, payload, attempts, available_at, last_error, updated_at
        FROM task_queue
        WHERE status = 'failed'
        ORDER BY updated_at DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: list dead letters: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			task        Task
			payloadJSON string
			availableMs int64
			lastError   sql.NullString
			updatedMs   int64
		)
		if err := rows.Scan(&task.TaskID, &task.Type, &payloadJSON, &task.Attempts, &availableMs, &lastError, &updatedMs); err != nil {
			return nil, fmt.Errorf("taskqueue: scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &task.Payload); err != nil {
			return nil, fmt.Errorf("taskqueue: decode payload %s: %w", task.TaskID, err)
		}
		task.Status = StatusFailed
		task.AvailableAt = time.UnixMilli(availableMs)
		task.LastError = lastError.String
		task.UpdatedAt = time.UnixMilli(updatedMs)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}
