// Package bus implements the publish/subscribe fan-out for fused updates and
// runtime settings changes: at-most-once local delivery plus a best-effort
// cross-process mirror.
package bus

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Channels used by the core.
const (
	ChannelPositionUpdate = "entity:position:update"
	ChannelEntityNew      = "entity:new"
	ChannelConfigUpdate   = "config:update"
)

// Handler receives a published payload. Handlers run on the subscriber's own
// delivery goroutine; a slow handler only backs up (and eventually drops from)
// its own queue.
type Handler func(channel string, payload []byte)

// Remote mirrors publishes across processes, best-effort.
type Remote interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Listen(ctx context.Context, onMessage func(channel string, payload []byte)) error
}

// envelope wraps remote payloads so a process can drop its own echoes.
type envelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

const (
	defaultSubscriberQueue = 256
	// remoteQueueSize bounds the mirror backlog; one worker drains it, so
	// Redis latency backs up here instead of spawning goroutines.
	remoteQueueSize = 1024
)

type message struct {
	channel string
	payload []byte
}

type subscriber struct {
	queue   chan message
	handler Handler
	dropped atomic.Uint64
	done    chan struct{}
}

// Bus is the in-process pub/sub hub. Zero value is not usable; use New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscriber
	closed bool

	origin      string
	queueSize   int
	remote      Remote
	remoteQueue chan message

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Options configures a Bus.
type Options struct {
	// SubscriberQueue bounds each subscriber's delivery queue. Overflow drops
	// the oldest queued message. Default 256.
	SubscriberQueue int
	// Remote, when set, mirrors every publish cross-process and feeds remote
	// messages into local subscribers.
	Remote Remote
}

// New creates a Bus. If opts.Remote is set, the remote listener starts
// immediately and runs until ctx is cancelled.
func New(ctx context.Context, opts Options) *Bus {
	qs := opts.SubscriberQueue
	if qs <= 0 {
		qs = defaultSubscriberQueue
	}
	b := &Bus{
		subs:      make(map[string][]*subscriber),
		origin:    uuid.NewString(),
		queueSize: qs,
		remote:    opts.Remote,
	}
	if b.remote != nil {
		b.remoteQueue = make(chan message, remoteQueueSize)
		go b.remoteLoop(ctx)
		go func() {
			if err := b.remote.Listen(ctx, b.onRemoteMessage); err != nil && ctx.Err() == nil {
				log.Printf("[bus] remote listener stopped: %v", err)
			}
		}()
	}
	return b
}

// Publish delivers payload to local subscribers of channel and mirrors it to
// the remote, if any. Local delivery is at-most-once; the remote mirror is
// best-effort and never blocks the caller.
func (b *Bus) Publish(channel string, payload []byte) {
	b.published.Add(1)
	b.dispatchLocal(channel, payload)

	if b.remote == nil {
		return
	}
	env, err := json.Marshal(envelope{Origin: b.origin, Data: payload})
	if err != nil {
		log.Printf("[bus] envelope marshal failed on %s: %v", channel, err)
		return
	}
	msg := message{channel: channel, payload: env}
	select {
	case b.remoteQueue <- msg:
	default:
		// Mirror backlog full: shed the oldest queued publish, same policy
		// as a slow local subscriber.
		select {
		case <-b.remoteQueue:
			b.dropped.Add(1)
		default:
		}
		select {
		case b.remoteQueue <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// remoteLoop is the single mirror worker: it serializes remote publishes so
// Redis latency never fans out into unbounded goroutines.
func (b *Bus) remoteLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.remoteQueue:
			if err := b.remote.Publish(ctx, msg.channel, msg.payload); err != nil && ctx.Err() == nil {
				log.Printf("[bus] remote publish failed on %s: %v", msg.channel, err)
			}
		}
	}
}

// Subscribe registers handler for channel and returns an unsubscribe func.
// Each subscription gets its own bounded queue and delivery goroutine.
func (b *Bus) Subscribe(channel string, handler Handler) (unsubscribe func()) {
	sub := &subscriber{
		queue:   make(chan message, b.queueSize),
		handler: handler,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.removeSubscriber(channel, sub)
			close(sub.done)
		})
	}
}

// Close stops all subscriber deliveries. Pending queued messages are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string][]*subscriber)
	b.mu.Unlock()

	for _, list := range subs {
		for _, s := range list {
			close(s.done)
		}
	}
}

// Stats reports lifetime publish and drop counts.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

func (b *Bus) dispatchLocal(channel string, payload []byte) {
	b.mu.RLock()
	list := b.subs[channel]
	b.mu.RUnlock()

	for _, s := range list {
		msg := message{channel: channel, payload: payload}
		for {
			select {
			case s.queue <- msg:
			default:
				// Queue full: drop the oldest entry and retry once.
				// Position data is time-valued; stale drops beat blocking.
				select {
				case <-s.queue:
					s.dropped.Add(1)
					b.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

func (b *Bus) onRemoteMessage(channel string, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("[bus] malformed remote envelope on %s: %v", channel, err)
		return
	}
	if env.Origin == b.origin {
		return // our own echo
	}
	b.dispatchLocal(channel, env.Data)
}

func (b *Bus) removeSubscriber(channel string, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[channel]
	for i, s := range list {
		if s == target {
			b.subs[channel] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			s.handler(msg.channel, msg.payload)
		}
	}
}
