package reputation

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Outcome is the post-settlement record handed to the reputation ledger.
type Outcome struct {
	ShakeID uint64 `json:"shake_id"`
	Worker  string `json:"worker"`
	Earned  uint64 `json:"earned"`
	Success bool   `json:"success"`
}

// Sink receives outcome records. Implementations must be idempotent per
// shake id; the engine does not gate settlement on sink success.
type Sink interface {
	Record(ctx context.Context, out Outcome) error
}

// Memory keeps outcomes in process, one per shake id.
type Memory struct {
	mu   sync.Mutex
	seen map[uint64]struct{}
	outs []Outcome
}

func NewMemory() *Memory {
	return &Memory{seen: map[uint64]struct{}{}}
}

func (m *Memory) Record(ctx context.Context, out Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[out.ShakeID]; ok {
		return nil
	}
	m.seen[out.ShakeID] = struct{}{}
	m.outs = append(m.outs, out)
	return nil
}

func (m *Memory) Outcomes() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	outs := make([]Outcome, len(m.outs))
	copy(outs, m.outs)
	return outs
}

// Redis aggregates per-worker totals in a hash and dedupes by shake id.
type Redis struct{ client *redis.Client }

func NewRedis(client *redis.Client) *Redis { return &Redis{client: client} }

func (r *Redis) Record(ctx context.Context, out Outcome) error {
	ok, err := r.client.SetNX(ctx, "rep:seen:"+strconv.FormatUint(out.ShakeID, 10), "1", 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	key := "rep:worker:" + out.Worker
	pipe := r.client.TxPipeline()
	if out.Success {
		pipe.HIncrBy(ctx, key, "completed", 1)
		pipe.HIncrBy(ctx, key, "earned_total", int64(out.Earned))
	} else {
		pipe.HIncrBy(ctx, key, "failed", 1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// WorkerStats reads the aggregated counters for a worker.
func (r *Redis) WorkerStats(ctx context.Context, worker string) (completed, failed int64, earned uint64, err error) {
	vals, err := r.client.HGetAll(ctx, "rep:worker:"+worker).Result()
	if err != nil {
		return 0, 0, 0, err
	}
	completed, _ = strconv.ParseInt(vals["completed"], 10, 64)
	failed, _ = strconv.ParseInt(vals["failed"], 10, 64)
	earned, _ = strconv.ParseUint(vals["earned_total"], 10, 64)
	return completed, failed, earned, nil
}

// NewSink tries redis, falls back to memory.
func NewSink(ctx context.Context, client *redis.Client) Sink {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedis(client)
		}
	}
	return NewMemory()
}
