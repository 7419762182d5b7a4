// Package gateway is the realtime subscriber surface: a WebSocket server
// that pushes viewport-filtered position updates driven by the bus and a
// periodic hot-view sweep.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/pelorus-track/pelorus/internal/bus"
	"github.com/pelorus-track/pelorus/internal/geo"
	"github.com/pelorus-track/pelorus/internal/hotview"
	"github.com/pelorus-track/pelorus/internal/metrics"
	"github.com/pelorus-track/pelorus/internal/scanloop"
	"github.com/pelorus-track/pelorus/internal/track"
)

// HotView is the read surface the periodic tick sweeps.
type HotView interface {
	ActiveSince(ctx context.Context, cutoffMs int64) ([]track.EntityKey, error)
	Latest(ctx context.Context, keys []track.EntityKey) ([]hotview.Latest, error)
}

// Subscriber is the bus surface the gateway listens on.
type Subscriber interface {
	Subscribe(channel string, handler bus.Handler) (unsubscribe func())
}

// Config wires a Server.
type Config struct {
	HotView HotView
	Bus     Subscriber
	Metrics *metrics.Metrics

	// BroadcastInterval is the periodic push tick. Default 5s.
	BroadcastInterval time.Duration
	// StaleCutoff bounds how old a hot-view entry may be and still be swept
	// to clients. Default 24h.
	StaleCutoff time.Duration
	// MinClientMoveMeters and ClientKeepalive form the per-client dedupe:
	// a repeat position is pushed only when it moved at least MinClientMove
	// or the last push is older than ClientKeepalive. Defaults 10m / 30s.
	MinClientMoveMeters float64
	ClientKeepalive     time.Duration
	// IdleTimeout disconnects clients with no inbound frames. Default 10m.
	IdleTimeout time.Duration
	// SendQueue bounds the per-client writer queue. Default 256.
	SendQueue int
}

func (c Config) withDefaults() Config {
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = 5 * time.Second
	}
	if c.StaleCutoff <= 0 {
		c.StaleCutoff = 24 * time.Hour
	}
	if c.MinClientMoveMeters <= 0 {
		c.MinClientMoveMeters = 10
	}
	if c.ClientKeepalive <= 0 {
		c.ClientKeepalive = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	return c
}

// Stats is the gateway block of the status snapshot.
type Stats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Server fans position updates out to WebSocket subscribers. Mount Handler
// on an HTTP mux and call Start before serving.
type Server struct {
	cfg     Config
	clients *xsync.Map[string, *client]

	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
	unsubs []func()

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewServer builds a Server around a hot view and a bus.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:     cfg.withDefaults(),
		clients: xsync.NewMap[string, *client](),
	}
}

// Start subscribes to the bus and launches the broadcast tick and the idle
// GC. It returns immediately.
func (s *Server) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.unsubs = append(s.unsubs,
		s.cfg.Bus.Subscribe(bus.ChannelPositionUpdate, s.onPositionUpdate),
		s.cfg.Bus.Subscribe(bus.ChannelEntityNew, s.onEntityNew),
		s.cfg.Bus.Subscribe(bus.ChannelConfigUpdate, s.onConfigUpdate),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.BroadcastInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.broadcastTick(s.ctx)
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		scanloop.RunCtx(s.ctx, scanloop.DefaultMinInterval, scanloop.DefaultJitterRange, func(context.Context) {
			s.gcIdle()
		})
	}()
}

// Stop unsubscribes, stops the loops, and closes every client.
func (s *Server) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.clients.Range(func(id string, c *client) bool {
		s.removeClient(c, websocket.StatusGoingAway, "server shutting down")
		return true
	})
}

// Stats snapshots the client count and push counters.
func (s *Server) Stats() Stats {
	return Stats{
		Clients: s.clients.Size(),
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
	}
}

// Handler upgrades the connection and runs the client until it disconnects.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			log.Printf("[gateway] accept %s: %v", r.RemoteAddr, err)
			return
		}
		c := newClient(uuid.NewString(), conn, s.cfg.SendQueue)
		s.clients.Store(c.id, c)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.GatewayClients.Set(float64(s.clients.Size()))
		}
		log.Printf("[gateway] client %s connected from %s", c.id, r.RemoteAddr)

		go func() {
			if err := c.writeLoop(s.ctx); err != nil {
				log.Printf("[gateway] client %s write: %v", c.id, err)
			}
			s.removeClient(c, websocket.StatusNormalClosure, "")
		}()

		s.readLoop(r.Context(), c)
		s.removeClient(c, websocket.StatusNormalClosure, "")
	})
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		c.touch()

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.GatewayRejected.Inc()
			}
			continue
		}
		switch frame.Event {
		case eventSubscribeViewport, eventUpdateViewport:
			var req viewportRequest
			if err := json.Unmarshal(frame.Data, &req); err != nil {
				s.rejectFrame(c, "viewport: malformed bbox")
				continue
			}
			box := geo.BBoxFromSlice(req.BBox)
			if !box.Valid() {
				s.rejectFrame(c, "viewport: invalid bbox")
				continue
			}
			c.setViewport(box)
			s.send(c, EventConnectionStats, s.connectionStats())
		case eventPing:
			s.send(c, EventConnectionStats, s.connectionStats())
		default:
			s.rejectFrame(c, "unknown event "+frame.Event)
		}
	}
}

func (s *Server) rejectFrame(c *client, detail string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.GatewayRejected.Inc()
	}
	log.Printf("[gateway] client %s: %s", c.id, detail)
}

// connectionStats is the payload of the connectionStats event.
type connectionStats struct {
	Clients  int   `json:"clients"`
	ServerMs int64 `json:"server_ms"`
}

func (s *Server) connectionStats() connectionStats {
	return connectionStats{Clients: s.clients.Size(), ServerMs: time.Now().UnixMilli()}
}

// broadcastTick sweeps the hot view and pushes fresh positions into every
// matching viewport, subject to the per-client dedupe.
func (s *Server) broadcastTick(ctx context.Context) {
	if s.clients.Size() == 0 {
		return
	}
	cutoffMs := time.Now().Add(-s.cfg.StaleCutoff).UnixMilli()

	keys, err := s.cfg.HotView.ActiveSince(ctx, cutoffMs)
	if err != nil {
		log.Printf("[gateway] active sweep: %v", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	latest, err := s.cfg.HotView.Latest(ctx, keys)
	if err != nil {
		log.Printf("[gateway] latest sweep: %v", err)
		return
	}

	s.clients.Range(func(id string, c *client) bool {
		for _, rec := range latest {
			if c.wants(rec.Key, rec.TsMs, rec.Lat, rec.Lon, s.cfg.MinClientMoveMeters, s.cfg.ClientKeepalive) {
				s.send(c, EventPositionUpdate, rec)
			}
		}
		c.pruneSent(cutoffMs)
		return true
	})
}

// onPositionUpdate is the event-driven path between ticks. The geohash room
// check prunes most clients before the exact bbox and dedupe run.
func (s *Server) onPositionUpdate(_ string, payload []byte) {
	rec, ok := s.decodeRecord(payload)
	if !ok {
		return
	}
	cell := geo.Cell(rec.Lat, rec.Lon)
	s.clients.Range(func(id string, c *client) bool {
		if !c.inRoom(cell) {
			return true
		}
		if c.wants(rec.Key, rec.TsMs, rec.Lat, rec.Lon, s.cfg.MinClientMoveMeters, s.cfg.ClientKeepalive) {
			s.send(c, EventPositionUpdate, rec)
		}
		return true
	})
}

// onEntityNew announces first sightings: newEntity to viewport matches, and
// a regionAlert so map clients can flag the arrival.
func (s *Server) onEntityNew(_ string, payload []byte) {
	rec, ok := s.decodeRecord(payload)
	if !ok {
		return
	}
	cell := geo.Cell(rec.Lat, rec.Lon)
	s.clients.Range(func(id string, c *client) bool {
		if !c.inRoom(cell) {
			return true
		}
		if c.wants(rec.Key, rec.TsMs, rec.Lat, rec.Lon, s.cfg.MinClientMoveMeters, s.cfg.ClientKeepalive) {
			s.send(c, EventNewEntity, rec)
			s.send(c, EventRegionAlert, regionAlert{Key: rec.Key, Lat: rec.Lat, Lon: rec.Lon, TsMs: rec.TsMs})
		}
		return true
	})
}

// regionAlert is the payload of the regionAlert event.
type regionAlert struct {
	Key  track.EntityKey `json:"key"`
	Lat  float64         `json:"lat"`
	Lon  float64         `json:"lon"`
	TsMs int64           `json:"ts_ms"`
}

// onConfigUpdate forwards settings changes to every client verbatim.
func (s *Server) onConfigUpdate(_ string, payload []byte) {
	frame, err := json.Marshal(serverFrame{Event: EventConfigUpdate, Data: json.RawMessage(payload)})
	if err != nil {
		return
	}
	s.clients.Range(func(id string, c *client) bool {
		s.deliver(c, EventConfigUpdate, frame)
		return true
	})
}

// decodeRecord turns a bus payload into the outbound position shape.
func (s *Server) decodeRecord(payload []byte) (hotview.Latest, bool) {
	var rec track.FusedRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		log.Printf("[gateway] bus payload: %v", err)
		return hotview.Latest{}, false
	}
	out := hotview.Latest{
		Key:    rec.Key,
		Lat:    rec.Lat,
		Lon:    rec.Lon,
		TsMs:   rec.TsMs,
		Status: rec.Status,
		Source: string(rec.Source),
		Score:  rec.Score,
		Name:   rec.Name,
	}
	if rec.Speed != nil {
		out.Speed = *rec.Speed
	}
	if rec.Course != nil {
		out.Course = *rec.Course
	}
	return out, true
}

func (s *Server) send(c *client, event string, data any) {
	frame, err := json.Marshal(serverFrame{Event: event, Data: data})
	if err != nil {
		log.Printf("[gateway] marshal %s: %v", event, err)
		return
	}
	s.deliver(c, event, frame)
}

// deliver enqueues one frame; a full queue disconnects the client rather
// than blocking the caller.
func (s *Server) deliver(c *client, event string, frame []byte) {
	if !c.enqueue(frame) {
		s.dropped.Add(1)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.GatewayDropped.Inc()
		}
		log.Printf("[gateway] client %s queue full, disconnecting", c.id)
		s.removeClient(c, websocket.StatusPolicyViolation, "send queue overflow")
		return
	}
	s.sent.Add(1)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.GatewaySent.WithLabelValues(event).Inc()
	}
}

func (s *Server) gcIdle() {
	deadline := time.Now().Add(-s.cfg.IdleTimeout)
	s.clients.Range(func(id string, c *client) bool {
		if c.idleSince().Before(deadline) {
			log.Printf("[gateway] client %s idle, disconnecting", c.id)
			s.removeClient(c, websocket.StatusGoingAway, "idle timeout")
		}
		return true
	})
}

func (s *Server) removeClient(c *client, code websocket.StatusCode, reason string) {
	if _, loaded := s.clients.LoadAndDelete(c.id); !loaded {
		return
	}
	c.close(code, reason)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.GatewayClients.Set(float64(s.clients.Size()))
	}
}
