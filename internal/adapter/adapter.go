// Package adapter maintains the long-lived upstream feed connections and
// emits decoded raw records into the shared ingest queue. Adapters never
// touch stores; their only side effects are emissions and counters.
package adapter

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pelorus-track/pelorus/internal/config"
	"github.com/pelorus-track/pelorus/internal/metrics"
	"github.com/pelorus-track/pelorus/internal/normalize"
	"github.com/pelorus-track/pelorus/internal/track"
)

// Status is a point-in-time adapter snapshot for the ops surface.
type Status struct {
	Name              string    `json:"name"`
	Type              string    `json:"type"`
	Connected         bool      `json:"connected"`
	Dormant           bool      `json:"dormant"`
	LastMessageAt     time.Time `json:"last_message_at"`
	Messages          uint64    `json:"messages"`
	ParseErrors       uint64    `json:"parse_errors"`
	ReconnectAttempts uint64    `json:"reconnect_attempts"`
	Dropped           uint64    `json:"dropped"`
}

// Adapter is one upstream feed connection.
type Adapter interface {
	Start(ctx context.Context) error
	Stop()
	Status() Status
}

// Options carries the reconnect and framing limits shared by all adapters.
type Options struct {
	ReconnectMaxAttempts int
	ReconnectMaxBackoff  time.Duration
	MaxBatchBytes        int
}

func (o Options) withDefaults() Options {
	if o.ReconnectMaxAttempts <= 0 {
		o.ReconnectMaxAttempts = 20
	}
	if o.ReconnectMaxBackoff <= 0 {
		o.ReconnectMaxBackoff = 60 * time.Second
	}
	if o.MaxBatchBytes <= 0 {
		o.MaxBatchBytes = 1 << 20
	}
	return o
}

// Build constructs one adapter per catalog entry, all emitting into em.
func Build(feeds []config.FeedConfig, em *Emitter, m *metrics.Metrics, opts Options) ([]Adapter, error) {
	opts = opts.withDefaults()
	out := make([]Adapter, 0, len(feeds))
	for _, f := range feeds {
		b := newBase(f, em, m, opts)
		switch f.Type {
		case config.FeedTypeAISWS:
			out = append(out, &wsAdapter{base: b})
		case config.FeedTypeAISHub:
			out = append(out, &signalrAdapter{base: b})
		case config.FeedTypeADSB:
			out = append(out, &adsbAdapter{base: b})
		default:
			return nil, fmt.Errorf("adapter: feed %q: unknown type %q", f.Name, f.Type)
		}
	}
	return out, nil
}

// Emitter is the shared bounded raw-record queue between adapters and the
// normalizer. Overflow drops the oldest record; position data is
// time-valued, so stale drops beat blocking a live feed.
type Emitter struct {
	ch      chan normalize.RawMsg
	dropped atomic.Uint64
}

// NewEmitter creates an Emitter holding up to size records.
func NewEmitter(size int) *Emitter {
	if size <= 0 {
		size = 10_000
	}
	return &Emitter{ch: make(chan normalize.RawMsg, size)}
}

// Emit enqueues one record, evicting the oldest on overflow.
func (e *Emitter) Emit(msg normalize.RawMsg) {
	for {
		select {
		case e.ch <- msg:
			return
		default:
			select {
			case <-e.ch:
				e.dropped.Add(1)
			default:
			}
		}
	}
}

// C is the consumer side of the queue.
func (e *Emitter) C() <-chan normalize.RawMsg { return e.ch }

// Depth reports how many records are waiting.
func (e *Emitter) Depth() int { return len(e.ch) }

// Dropped reports how many records overflow has evicted.
func (e *Emitter) Dropped() uint64 { return e.dropped.Load() }

// base carries the state shared by every adapter implementation.
type base struct {
	feed    config.FeedConfig
	source  track.Source
	out     *Emitter
	metrics *metrics.Metrics
	opts    Options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	connected     atomic.Bool
	dormant       atomic.Bool
	lastMessageMs atomic.Int64
	messages      atomic.Uint64
	parseErrors   atomic.Uint64
	reconnects    atomic.Uint64
}

func newBase(f config.FeedConfig, em *Emitter, m *metrics.Metrics, opts Options) *base {
	src := track.Source(f.Type)
	return &base{feed: f, source: src, out: em, metrics: m, opts: opts}
}

// start launches the session loop. Each adapter passes its own openSession.
func (b *base) start(ctx context.Context, openSession func(ctx context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		return fmt.Errorf("adapter %s: already started", b.feed.Name)
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go b.run(ctx, openSession)
	return nil
}

// Stop cancels the session loop and waits for it to exit.
func (b *base) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Status implements Adapter.
func (b *base) Status() Status {
	var last time.Time
	if ms := b.lastMessageMs.Load(); ms > 0 {
		last = time.UnixMilli(ms).UTC()
	}
	return Status{
		Name:              b.feed.Name,
		Type:              b.feed.Type,
		Connected:         b.connected.Load(),
		Dormant:           b.dormant.Load(),
		LastMessageAt:     last,
		Messages:          b.messages.Load(),
		ParseErrors:       b.parseErrors.Load(),
		ReconnectAttempts: b.reconnects.Load(),
		Dropped:           b.out.Dropped(),
	}
}

// run drives openSession with exponential reconnect backoff. After
// ReconnectMaxAttempts consecutive failures the adapter goes dormant.
func (b *base) run(ctx context.Context, openSession func(ctx context.Context) error) {
	defer close(b.done)

	// BackOff implementations are stateful; keep one per loop and Reset on
	// a healthy session.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = b.opts.ReconnectMaxBackoff
	bo.MaxElapsedTime = 0

	attempts := 0
	for ctx.Err() == nil {
		err := openSession(ctx)
		b.connected.Store(false)
		if ctx.Err() != nil {
			return
		}

		if b.sessionWasHealthy() {
			attempts = 0
			bo.Reset()
		}
		attempts++
		b.reconnects.Add(1)
		if b.metrics != nil {
			b.metrics.AdapterReconnects.WithLabelValues(b.feed.Name).Inc()
		}
		if attempts >= b.opts.ReconnectMaxAttempts {
			b.dormant.Store(true)
			if b.metrics != nil {
				b.metrics.AdapterDormant.WithLabelValues(b.feed.Name).Set(1)
			}
			log.Printf("[adapter] %s dormant after %d failed attempts, last error: %v", b.feed.Name, attempts, err)
			return
		}

		wait := bo.NextBackOff()
		log.Printf("[adapter] %s session ended (%v), reconnect %d/%d in %s",
			b.feed.Name, err, attempts, b.opts.ReconnectMaxAttempts, wait.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// sessionWasHealthy reports whether the last session delivered a message
// recently enough to count as a successful open.
func (b *base) sessionWasHealthy() bool {
	ms := b.lastMessageMs.Load()
	return ms > 0 && time.Since(time.UnixMilli(ms)) < 2*b.opts.ReconnectMaxBackoff
}

func (b *base) markConnected() {
	b.connected.Store(true)
	b.dormant.Store(false)
	if b.metrics != nil {
		b.metrics.AdapterDormant.WithLabelValues(b.feed.Name).Set(0)
	}
	log.Printf("[adapter] %s connected to %s", b.feed.Name, b.feed.URL)
}

// emitRecords pushes one decoded batch into the shared queue.
func (b *base) emitRecords(records []map[string]any) {
	now := time.Now().UnixMilli()
	for _, fields := range records {
		if fields == nil {
			continue
		}
		b.out.Emit(normalize.RawMsg{
			Feed:         b.feed.Name,
			Source:       b.source,
			Fields:       fields,
			ReceivedAtMs: now,
		})
	}
	n := uint64(len(records))
	b.messages.Add(n)
	b.lastMessageMs.Store(now)
	if b.metrics != nil {
		b.metrics.AdapterMessages.WithLabelValues(b.feed.Name).Add(float64(n))
	}
}

func (b *base) countParseError(err error) {
	b.parseErrors.Add(1)
	if b.metrics != nil {
		b.metrics.NormalizeRejected.WithLabelValues(string(b.source), "frame_decode").Inc()
	}
	log.Printf("[adapter] %s frame decode failed: %v", b.feed.Name, err)
}

// truncateBatch enforces MaxBatchBytes on decoded batches. Records are kept
// proportionally to the size overrun.
func (b *base) truncateBatch(records []map[string]any, frameBytes int) []map[string]any {
	if frameBytes <= b.opts.MaxBatchBytes || len(records) == 0 {
		return records
	}
	keep := len(records) * b.opts.MaxBatchBytes / frameBytes
	if keep < 1 {
		keep = 1
	}
	log.Printf("[adapter] %s oversize batch (%d bytes), keeping %d of %d records",
		b.feed.Name, frameBytes, keep, len(records))
	return records[:keep]
}
