package taskqueue

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the persisted state of a task. There is no completed status; a
// completed task is deleted outright.
type Status string

// Task statuses
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
)

// MaxErrorLen bounds the stored last_error text so long stack traces cannot
// grow the queue.
const MaxErrorLen = 1024

// Task is the durable unit of work handed between pipeline stages and the
// worker pool. The queue treats Payload as opaque.
type Task struct {
	TaskID      string                 `json:"task_id"`
	Type        string                 `json:"task_type"`
	Payload     map[string]interface{} `json:"payload"`
	Status      Status                 `json:"status"`
	Attempts    int                    `json:"attempts"`
	AvailableAt time.Time              `json:"available_at"`
	LockedAt    *time.Time             `json:"locked_at,omitempty"`
	LastError   string                 `json:"last_error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// ComputeTaskID derives the stable task identity from the task type and a
// sorted-key serialization of the payload. Two enqueues with the same type
// and payload collapse to the same id; this is the dedup key.
func ComputeTaskID(taskType string, payload map[string]interface{}) (string, error) {
	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(taskType + ":" + canonical))
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalPayload serializes a payload with sorted keys at every nesting
// level. encoding/json sorts map keys, which yields the canonical form.
func CanonicalPayload(payload map[string]interface{}) (string, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("taskqueue: encode payload: %w", err)
	}
	return string(b), nil
}

// TruncateError bounds an error string to MaxErrorLen characters.
func TruncateError(msg string) string {
	if len(msg) > MaxErrorLen {
		return msg[:MaxErrorLen]
	}
	return msg
}
