// Package adminstats mirrors job server state to Redis for monitoring
// tools that shouldn't contend with the core goroutine for it. It is
// advisory only: nothing here is ever consulted for dispatch decisions,
// so staleness or a missed publish never violates the index's own
// invariants.
package adminstats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/jobqueued/internal/jobindex"
)

// FunctionSnapshot is one function's queue depth and worker count at the
// moment a Reporter published it.
type FunctionSnapshot struct {
	Name        string    `json:"name"`
	QueueDepth  int       `json:"queue_depth"`
	Running     int       `json:"running"`
	WorkerCount int       `json:"worker_count"`
	Draining    bool      `json:"draining"`
	Snapshot    time.Time `json:"snapshot"`
}

const keyPrefix = "jobqueued:stats:"

func keyFor(function string) string { return keyPrefix + function }

// Mirror publishes and reads FunctionSnapshots over Redis.
type Mirror struct {
	redis *redis.Client
	ttl   time.Duration
}

// New wraps an already-connected Redis client. ttl bounds how long a
// snapshot survives without being refreshed; a crashed server's stats
// expire instead of lying forever.
func New(redisClient *redis.Client, ttl time.Duration) *Mirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Mirror{redis: redisClient, ttl: ttl}
}

// Snapshot reads idx.Functions() into a slice of plain values. This must
// only be called from the goroutine that owns idx (the ioserver core
// loop) — idx takes no lock of its own, relying entirely on
// single-goroutine ownership, so Snapshot is the hand-off point: once
// the data is copied out into FunctionSnapshot values, it's safe for any
// goroutine (in particular Mirror.Publish, which does Redis I/O and must
// never run on the core loop) to use.
func Snapshot(idx *jobindex.Index, now time.Time) []FunctionSnapshot {
	fns := idx.Functions()
	out := make([]FunctionSnapshot, 0, len(fns))
	for name, fn := range fns {
		out = append(out, FunctionSnapshot{
			Name:        name,
			QueueDepth:  fn.QueueDepth(),
			Running:     fn.Running,
			WorkerCount: len(fn.Workers()),
			Draining:    fn.Draining,
			Snapshot:    now,
		})
	}
	return out
}

// Publish writes one Redis key per snapshot. Safe to call from any
// goroutine — it never touches jobindex.Index.
func (m *Mirror) Publish(ctx context.Context, snapshots []FunctionSnapshot) error {
	pipe := m.redis.Pipeline()
	for _, snap := range snapshots {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("adminstats: marshal %s: %w", snap.Name, err)
		}
		pipe.Set(ctx, keyFor(snap.Name), data, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("adminstats: publish: %w", err)
	}
	return nil
}

// Get reads the last published snapshot for one function.
func (m *Mirror) Get(ctx context.Context, function string) (FunctionSnapshot, bool, error) {
	data, err := m.redis.Get(ctx, keyFor(function)).Result()
	if err == redis.Nil {
		return FunctionSnapshot{}, false, nil
	}
	if err != nil {
		return FunctionSnapshot{}, false, fmt.Errorf("adminstats: get %s: %w", function, err)
	}
	var snap FunctionSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return FunctionSnapshot{}, false, fmt.Errorf("adminstats: unmarshal %s: %w", function, err)
	}
	return snap, true, nil
}

// All reads every currently-published snapshot.
func (m *Mirror) All(ctx context.Context) ([]FunctionSnapshot, error) {
	keys, err := m.redis.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("adminstats: keys: %w", err)
	}
	snapshots := make([]FunctionSnapshot, 0, len(keys))
	for _, key := range keys {
		data, err := m.redis.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var snap FunctionSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// Run drains snapshots off snapshots and publishes each to Redis until
// ctx is canceled or the channel closes. The caller (the ioserver core
// loop) owns producing snapshots — on its own ticker, via Snapshot — and
// only hands the resulting values here; this goroutine never touches
// jobindex.Index itself.
func Run(ctx context.Context, m *Mirror, snapshots <-chan []FunctionSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-snapshots:
			if !ok {
				return
			}
			// Best-effort: a dropped publish just leaves stale data in
			// Redis until the next tick or the TTL expiry.
			_ = m.Publish(ctx, batch)
		}
	}
}
