// Package dlq parks fused records whose persistence failed and retries them
// on a schedule. Entries live in Redis lists: a pending queue drained by the
// retry sweep and a terminal dead queue for operator action.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/pelorus-track/pelorus/internal/metrics"
	"github.com/pelorus-track/pelorus/internal/track"
)

const (
	keyPending    = "dlq:pending"
	keyProcessing = "dlq:processing"
	keyDead       = "dlq:dead"
)

// Entry is one parked record.
type Entry struct {
	ID           string            `json:"id"`
	Rec          track.FusedRecord `json:"rec"`
	Reason       string            `json:"reason"`
	EnqueuedAtMs int64             `json:"enqueued_at_ms"`
	RetryCount   int               `json:"retry_count"`
}

// Persister re-attempts the failed write. It is the persistence layer's
// synchronous path, not the async batch writer.
type Persister func(ctx context.Context, rec track.FusedRecord) error

// ListClient is the slice of the Redis API the queue needs. Narrowing it
// keeps the sweep logic testable without a server.
type ListClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPop(ctx context.Context, key string) *redis.StringCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Options configures the queue.
type Options struct {
	MaxRetries    int           // default 5
	RetryInterval time.Duration // default 5m
	BatchSize     int           // per-sweep pop limit, default 100
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	return o
}

// Queue is the DLQ client. Safe for concurrent use.
type Queue struct {
	client  ListClient
	opts    Options
	persist Persister
	metrics *metrics.Metrics
	cron    *cron.Cron
}

// New wires a Queue over an existing Redis client.
func New(client ListClient, persist Persister, m *metrics.Metrics, opts Options) *Queue {
	return &Queue{
		client:  client,
		opts:    opts.withDefaults(),
		persist: persist,
		metrics: m,
	}
}

// Enqueue parks rec with the failure reason.
func (q *Queue) Enqueue(ctx context.Context, rec track.FusedRecord, reason string) error {
	entry := Entry{
		ID:           uuid.NewString(),
		Rec:          rec,
		Reason:       reason,
		EnqueuedAtMs: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dlq: marshal entry: %w", err)
	}
	if err := q.client.LPush(ctx, keyPending, payload).Err(); err != nil {
		return fmt.Errorf("dlq: enqueue: %w", err)
	}
	if q.metrics != nil {
		q.metrics.DLQEnqueued.Inc()
	}
	log.Printf("[dlq] parked %s@%d: %s", rec.Key, rec.TsMs, reason)
	return nil
}

// StartRetrySchedule runs RetrySweep on the configured interval until ctx
// is cancelled.
func (q *Queue) StartRetrySchedule(ctx context.Context) error {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", q.opts.RetryInterval)
	_, err := c.AddFunc(spec, func() {
		if err := q.RetrySweep(ctx); err != nil {
			log.Printf("[dlq] retry sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("dlq: schedule %q: %w", spec, err)
	}
	c.Start()
	q.cron = c
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

// RetrySweep moves up to BatchSize pending entries through the processing
// list and re-persists each. Failures re-enter the pending queue with an
// incremented retry count until MaxRetries, then move to the dead queue.
// Entries sit in the processing list until acked, so a crash mid-sweep
// loses nothing: the next sweep recovers them.
func (q *Queue) RetrySweep(ctx context.Context) error {
	if err := q.recoverProcessing(ctx); err != nil {
		return err
	}

	for i := 0; i < q.opts.BatchSize; i++ {
		raw, err := q.client.LMove(ctx, keyPending, keyProcessing, "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dlq: pop: %w", err)
		}

		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			// Undecodable entries go straight to dead; nothing can retry them.
			log.Printf("[dlq] malformed entry moved to dead queue: %v", err)
			q.pushDead(ctx, raw)
			q.ack(ctx, raw)
			continue
		}

		if q.metrics != nil {
			q.metrics.DLQRetried.Inc()
		}
		if err := q.persist(ctx, entry.Rec); err == nil {
			if q.metrics != nil {
				q.metrics.DLQRecovered.Inc()
			}
			q.ack(ctx, raw)
			continue
		} else {
			entry.RetryCount++
			if entry.RetryCount >= q.opts.MaxRetries {
				payload, _ := json.Marshal(entry)
				q.pushDead(ctx, string(payload))
				q.ack(ctx, raw)
				log.Printf("[dlq] %s@%d dead after %d retries: %v",
					entry.Rec.Key, entry.Rec.TsMs, entry.RetryCount, err)
				continue
			}
			payload, merr := json.Marshal(entry)
			if merr != nil {
				q.pushDead(ctx, raw)
				q.ack(ctx, raw)
				continue
			}
			if perr := q.client.LPush(ctx, keyPending, payload).Err(); perr != nil {
				// Leave the original in processing; recovery re-queues it.
				return fmt.Errorf("dlq: requeue: %w", perr)
			}
			q.ack(ctx, raw)
		}
	}
	return nil
}

// recoverProcessing drains entries a crashed or aborted sweep left behind
// back into the pending queue. Re-persisting is idempotent, so the rare
// double retry this allows is harmless.
func (q *Queue) recoverProcessing(ctx context.Context) error {
	for {
		_, err := q.client.LMove(ctx, keyProcessing, keyPending, "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dlq: recover processing: %w", err)
		}
	}
}

// ack removes a handled entry from the processing list.
func (q *Queue) ack(ctx context.Context, raw string) {
	if err := q.client.LRem(ctx, keyProcessing, 1, raw).Err(); err != nil {
		log.Printf("[dlq] processing ack failed: %v", err)
	}
}

func (q *Queue) pushDead(ctx context.Context, payload string) {
	if err := q.client.LPush(ctx, keyDead, payload).Err(); err != nil {
		log.Printf("[dlq] dead push failed, entry lost: %v", err)
		return
	}
	if q.metrics != nil {
		q.metrics.DLQDead.Inc()
	}
}

// Depths reports pending and dead queue lengths.
func (q *Queue) Depths(ctx context.Context) (pending, dead int64, err error) {
	pending, err = q.client.LLen(ctx, keyPending).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("dlq: pending depth: %w", err)
	}
	dead, err = q.client.LLen(ctx, keyDead).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("dlq: dead depth: %w", err)
	}
	return pending, dead, nil
}

// PeekDead returns up to limit dead entries without removing them.
func (q *Queue) PeekDead(ctx context.Context, limit int64) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.client.LRange(ctx, keyDead, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq: peek dead: %w", err)
	}
	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// ClearDead empties the dead queue and returns how many entries it held.
func (q *Queue) ClearDead(ctx context.Context) (int64, error) {
	count, err := q.client.LLen(ctx, keyDead).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq: dead depth: %w", err)
	}
	if err := q.client.Del(ctx, keyDead).Err(); err != nil {
		return 0, fmt.Errorf("dlq: clear dead: %w", err)
	}
	return count, nil
}

// RequeueDead moves every dead entry back to pending with a reset retry
// count, returning how many moved.
func (q *Queue) RequeueDead(ctx context.Context) (int64, error) {
	var moved int64
	for {
		raw, err := q.client.RPop(ctx, keyDead).Result()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("dlq: requeue dead: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err == nil {
			entry.RetryCount = 0
			if payload, merr := json.Marshal(entry); merr == nil {
				raw = string(payload)
			}
		}
		if err := q.client.LPush(ctx, keyPending, raw).Err(); err != nil {
			return moved, fmt.Errorf("dlq: requeue dead push: %w", err)
		}
		moved++
	}
}
