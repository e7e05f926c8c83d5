package taskqueue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestSQLite(t *testing.T) (*sqliteBackend, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "queue.db")
	b, err := openSQLite(path, clock.Now)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, clock
}

func (b *sqliteBackend) countTasks(t *testing.T) int {
	t.Helper()
	var n int
	if err := b.db.QueryRow(`SELECT COUNT(*) FROM task_queue`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestSQLiteEnqueueDedupes(t *testing.T) {
	b, clock := openTestSQLite(t)
	ctx := context.Background()
	payload := map[string]interface{}{"content_id": "cid-1"}

	if err := b.Enqueue(ctx, "semantic_index", payload, clock.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, "semantic_index", payload, clock.Now()); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if n := b.countTasks(t); n != 1 {
		t.Fatalf("duplicate enqueue must collapse to one row, got %d", n)
	}

	task, err := b.ClaimAndLock(ctx, nil, 300)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil || task.Type != "semantic_index" {
		t.Fatalf("unexpected claim result: %+v", task)
	}
	if task.Payload["content_id"] != "cid-1" {
		t.Fatalf("payload mismatch: %v", task.Payload)
	}

	if err := b.Complete(ctx, task.TaskID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if n := b.countTasks(t); n != 0 {
		t.Fatalf("complete must delete the row, got %d left", n)
	}
	// completing again is a no-op
	if err := b.Complete(ctx, task.TaskID); err != nil {
		t.Fatalf("complete absent: %v", err)
	}
}

func TestSQLiteReEnqueueKeepsInFlightState(t *testing.T) {
	b, clock := openTestSQLite(t)
	ctx := context.Background()
	payload := map[string]interface{}{"content_id": "cid-keep"}

	if err := b.Enqueue(ctx, "entity_extract", payload, clock.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, _ := b.ClaimAndLock(ctx, nil, 300)
	if task == nil {
		t.Fatalf("expected claim")
	}
	if err := b.Fail(ctx, task.TaskID, "transient", 0, 5); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// pending with attempts=1; duplicate submission must not reset attempts
	if err := b.Enqueue(ctx, "entity_extract", payload, clock.Now()); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	task, err := b.ClaimAndLock(ctx, nil, 300)
	if err != nil || task == nil {
		t.Fatalf("claim after re-enqueue: %v %v", task, err)
	}
	if task.Attempts != 1 {
		t.Fatalf("re-enqueue must keep attempts, got %d", task.Attempts)
	}
}

func TestSQLiteFailRetryScenario(t *testing.T) {
	b, clock := openTestSQLite(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, "index", map[string]interface{}{"id": "a"}, clock.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := b.ClaimAndLock(ctx, nil, 300)
	if err != nil || task == nil {
		t.Fatalf("claim: %v %v", task, err)
	}
	if task.Attempts != 0 {
		t.Fatalf("fresh task must have attempts=0, got %d", task.Attempts)
	}

	if err := b.Fail(ctx, task.TaskID, "transient", 0, 2); err != nil {
		t.Fatalf("fail: %v", err)
	}
	task, err = b.ClaimAndLock(ctx, nil, 300)
	if err != nil || task == nil {
		t.Fatalf("reclaim: %v %v", task, err)
	}
	if task.Attempts != 1 {
		t.Fatalf("want attempts=1 after one failure, got %d", task.Attempts)
	}
	if task.LastError != "transient" {
		t.Fatalf("last_error must survive redelivery, got %q", task.LastError)
	}

	if err := b.Fail(ctx, task.TaskID, "boom", 0, 2); err != nil {
		t.Fatalf("second fail: %v", err)
	}
	// terminal: no claim returns it again
	if got, _ := b.ClaimAndLock(ctx, nil, 300); got != nil {
		t.Fatalf("failed task must not be redelivered, got %+v", got)
	}

	dead, err := b.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0].LastError != "boom" || dead[0].Attempts != 2 {
		t.Fatalf("dead letter must keep error and attempts: %+v", dead)
	}
}

func TestSQLiteReviveFailedTask(t *testing.T) {
	b, clock := openTestSQLite(t)
	ctx := context.Background()
	payload := map[string]interface{}{"content_id": "cid-revive"}

	if err := b.Enqueue(ctx, "lab_results", payload, clock.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, _ := b.ClaimAndLock(ctx, nil, 300)
	if err := b.Fail(ctx, task.TaskID, "boom", 0, 1); err != nil {
		t.Fatalf("fail terminal: %v", err)
	}
	if got, _ := b.ClaimAndLock(ctx, nil, 300); got != nil {
		t.Fatalf("terminal task claimable: %+v", got)
	}

	// re-enqueueing a dead identity revives it from scratch
	if err := b.Enqueue(ctx, "lab_results", payload, clock.Now()); err != nil {
		t.Fatalf("revive: %v", err)
	}
	task, err := b.ClaimAndLock(ctx, nil, 300)
	if err != nil || task == nil {
		t.Fatalf("claim revived: %v %v", task, err)
	}
	if task.Attempts != 0 {
		t.Fatalf("revival must reset attempts, got %d", task.Attempts)
	}
	if task.LastError != "" {
		t.Fatalf("revival must clear last_error, got %q", task.LastError)
	}
}

func TestSQLiteDelayedVisibility(t *testing.T) {
	b, clock := openTestSQLite(t)
	ctx := context.Background()

	future := clock.Now().Add(time.Hour)
	if err := b.Enqueue(ctx, "medical_events", map[string]interface{}{"content_id": "cid-d"}, future); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got, _ := b.ClaimAndLock(ctx, nil, 300); got != nil {
		t.Fatalf("delayed task visible too early: %+v", got)
	}
	clock.Advance(time.Hour)
	task, err := b.ClaimAndLock(ctx, nil, 300)
	if err != nil || task == nil {
		t.Fatalf("delayed task must surface once due: %v %v", task, err)
	}
}

func TestSQLiteLeaseRecovery(t *testing.T) {
	b, clock := openTestSQLite(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, "financial_records", map[string]interface{}{"content_id": "cid-l"}, clock.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, _ := b.ClaimAndLock(ctx, nil, 60)
	if task == nil {
		t.Fatalf("expected claim")
	}
	// still leased: a second claim gets nothing
	if got, _ := b.ClaimAndLock(ctx, nil, 60); got != nil {
		t.Fatalf("leased task redelivered early: %+v", got)
	}
	clock.Advance(61 * time.Second)
	redelivered, err := b.ClaimAndLock(ctx, nil, 60)
	if err != nil || redelivered == nil {
		t.Fatalf("stale lease must be reclaimable: %v %v", redelivered, err)
	}
	if redelivered.TaskID != task.TaskID {
		t.Fatalf("wrong task reclaimed")
	}
	if redelivered.Attempts != 0 {
		t.Fatalf("lease expiry is not a failure; attempts must stay 0, got %d", redelivered.Attempts)
	}
}

func TestSQLiteTypeFilter(t *testing.T) {
	b, clock := openTestSQLite(t)
	ctx := context.Background()

	_ = b.Enqueue(ctx, "semantic_index", map[string]interface{}{"content_id": "c1"}, clock.Now())
	_ = b.Enqueue(ctx, "entity_extract", map[string]interface{}{"content_id": "c2"}, clock.Now())

	task, err := b.ClaimAndLock(ctx, []string{"entity_extract"}, 300)
	if err != nil || task == nil {
		t.Fatalf("filtered claim: %v %v", task, err)
	}
	if task.Type != "entity_extract" {
		t.Fatalf("filter ignored, got %s", task.Type)
	}
	if got, _ := b.ClaimAndLock(ctx, []string{"lab_results"}, 300); got != nil {
		t.Fatalf("no lab_results task exists, got %+v", got)
	}
}

func TestSQLiteMutualExclusion(t *testing.T) {
	b, clock := openTestSQLite(t)
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		payload := map[string]interface{}{"content_id": fmt.Sprintf("cid-%d", i)}
		if err := b.Enqueue(ctx, "semantic_index", payload, clock.Now()); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := b.ClaimAndLock(ctx, nil, 300)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				claimed[task.TaskID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != total {
		t.Fatalf("want %d distinct tasks claimed, got %d", total, len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("task %s delivered %d times under active leases", id, n)
		}
	}
}
