package taskqueue

// Redis keys for the queue's cooperating structures. Everything lives under
// one static prefix; the Redis backend is a single shared namespace,
// unlike SQLite where each database file is its own namespace.
const (
	redisPrefix     = "jarvis:tq:"
	redisReadyKey   = redisPrefix + "ready"   // FIFO list of claimable ids
	redisDelayedKey = redisPrefix + "delayed" // zset scored by available_at ms
	redisLeasedKey  = redisPrefix + "leased"  // zset scored by locked_at ms
	redisDLQKey     = redisPrefix + "dlq"     // zset scored by failure time ms
	redisTaskPrefix = redisPrefix + "task:"   // JSON record per task
)

// redisTaskKey returns the record key for a task id.
func redisTaskKey(taskID string) string {
	return redisTaskPrefix + taskID
}
