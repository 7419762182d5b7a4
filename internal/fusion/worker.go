package fusion

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/pelorus-track/pelorus/internal/adapter"
	"github.com/pelorus-track/pelorus/internal/bus"
	"github.com/pelorus-track/pelorus/internal/metrics"
	"github.com/pelorus-track/pelorus/internal/normalize"
	"github.com/pelorus-track/pelorus/internal/track"
)

// HotView is the synchronous write-through store the pool persists into.
type HotView interface {
	Write(ctx context.Context, rec track.FusedRecord) error
}

// History is the async history writer.
type History interface {
	Enqueue(rec track.FusedRecord)
}

// DeadLetter parks records whose hot-view write failed.
type DeadLetter interface {
	Enqueue(ctx context.Context, rec track.FusedRecord, reason string) error
}

// Publisher is the bus surface the pool publishes on.
type Publisher interface {
	Publish(channel string, payload []byte)
}

// decideTickInterval drives the opportunistic re-decide of idle windows.
const decideTickInterval = 5 * time.Second

// workItem routes through a worker: a normalized message, or a decide-only
// poke when Msg is nil.
type workItem struct {
	Key track.EntityKey
	Msg *track.NormMsg
}

// PoolConfig wires a Pool.
type PoolConfig struct {
	Engine     *Engine
	Source     *adapter.Emitter
	Normalizer *normalize.Normalizer
	Bus        Publisher
	HotView    HotView
	History    History
	DLQ        DeadLetter
	Metrics    *metrics.Metrics

	// Workers bounds concurrent decide/persist operations. Messages for one
	// entity always land on the same worker, so per-entity order holds.
	Workers int
	// QueueSize bounds each worker's inbox.
	QueueSize int
}

// Pool consumes raw records, normalizes them, and drives the engine through
// decide, publish, persist, and watermark advance.
type Pool struct {
	cfg     PoolConfig
	inboxes []chan workItem
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewPool builds the pool. Call Start to launch it.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	p := &Pool{cfg: cfg}
	p.inboxes = make([]chan workItem, cfg.Workers)
	for i := range p.inboxes {
		p.inboxes[i] = make(chan workItem, cfg.QueueSize)
	}
	return p
}

// Start launches the dispatcher, the workers, and the periodic decide tick.
// It returns immediately; Stop drains in-flight items.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := range p.inboxes {
		p.wg.Add(1)
		go p.worker(ctx, p.inboxes[i])
	}
	p.wg.Add(1)
	go p.dispatch(ctx)
	p.wg.Add(1)
	go p.tickLoop(ctx)
}

// Stop cancels the pool and waits for workers to finish their current item.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// dispatch normalizes raw records and routes them to the entity's worker.
func (p *Pool) dispatch(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-p.cfg.Source.C():
			msg, err := p.cfg.Normalizer.Normalize(raw)
			if err != nil {
				continue // counted and sampled inside the normalizer
			}
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.IngestQueueDepth.Set(float64(p.cfg.Source.Depth()))
			}
			p.route(ctx, workItem{Key: msg.Key, Msg: &msg})
		}
	}
}

// tickLoop re-decides every open window so suppressed-but-aging candidates
// eventually publish without a new arrival.
func (p *Pool) tickLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(decideTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, key := range p.cfg.Engine.Keys() {
				p.route(ctx, workItem{Key: key})
			}
		}
	}
}

func (p *Pool) route(ctx context.Context, item workItem) {
	shard := item.Key.Shard(len(p.inboxes))
	select {
	case p.inboxes[shard] <- item:
	case <-ctx.Done():
	}
}

func (p *Pool) worker(ctx context.Context, inbox <-chan workItem) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-inbox:
			p.process(ctx, item)
		}
	}
}

func (p *Pool) process(ctx context.Context, item workItem) {
	engine := p.cfg.Engine
	if item.Msg != nil {
		engine.Ingest(*item.Msg)
	}

	dec := engine.Decide(item.Key)
	if dec.Best == nil {
		return
	}

	rec := track.FusedRecord{
		NormMsg:       *dec.Best,
		Score:         dec.Score,
		PublishedAtMs: time.Now().UnixMilli(),
	}

	if dec.Backfill {
		if p.cfg.History != nil {
			p.cfg.History.Enqueue(rec)
		}
		return
	}
	if !dec.Publish {
		return
	}

	_, known := engine.LastPublishedTs(item.Key)

	payload, err := json.Marshal(rec)
	if err != nil {
		log.Printf("[fusion] marshal %s: %v", rec.Key, err)
		return
	}
	if p.cfg.Bus != nil {
		if !known {
			p.cfg.Bus.Publish(bus.ChannelEntityNew, payload)
		}
		p.cfg.Bus.Publish(bus.ChannelPositionUpdate, payload)
	}

	// The update is live; the watermark must advance even if persistence
	// fails, or the next decide could publish backwards.
	engine.MarkPublished(item.Key, rec)

	if p.cfg.HotView != nil {
		if err := p.cfg.HotView.Write(ctx, rec); err != nil {
			log.Printf("[fusion] hot view write %s: %v", rec.Key, err)
			if p.cfg.DLQ != nil {
				if derr := p.cfg.DLQ.Enqueue(ctx, rec, err.Error()); derr != nil {
					log.Printf("[fusion] dlq enqueue %s: %v", rec.Key, derr)
				}
			}
		}
	}
	if p.cfg.History != nil {
		p.cfg.History.Enqueue(rec)
	}
}
