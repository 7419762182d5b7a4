package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/pelorus-track/pelorus/internal/geo"
	"github.com/pelorus-track/pelorus/internal/track"
)

// Client-to-server events.
const (
	eventSubscribeViewport = "subscribeViewport"
	eventUpdateViewport    = "updateViewport"
	eventPing              = "ping"
)

// Server-to-client events.
const (
	EventPositionUpdate  = "positionUpdate"
	EventNewEntity       = "newEntity"
	EventConfigUpdate    = "configUpdate"
	EventConnectionStats = "connectionStats"
	EventRegionAlert     = "regionAlert"
)

// clientFrame is the inbound wire format.
type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// serverFrame is the outbound wire format.
type serverFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// viewportRequest carries the bbox of subscribeViewport / updateViewport.
type viewportRequest struct {
	BBox [4]float64 `json:"bbox"`
}

// sentMark is the per-entity dedupe state: what this client last received.
type sentMark struct {
	TsMs int64
	Lat  float64
	Lon  float64
}

// client is one connected subscriber. Viewport and dedupe state are guarded
// by mu; the writer goroutine owns the socket.
type client struct {
	id   string
	conn *websocket.Conn
	out  chan []byte

	mu          sync.Mutex
	closed      bool
	hasViewport bool
	viewport    geo.BBox
	rooms       map[string]struct{}
	lastSent    map[track.EntityKey]sentMark

	connectedAt  time.Time
	lastActivity atomic.Int64 // unix ms
}

func newClient(id string, conn *websocket.Conn, queueSize int) *client {
	c := &client{
		id:          id,
		conn:        conn,
		out:         make(chan []byte, queueSize),
		rooms:       make(map[string]struct{}),
		lastSent:    make(map[track.EntityKey]sentMark),
		connectedAt: time.Now(),
	}
	c.touch()
	return c
}

func (c *client) touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

func (c *client) idleSince() time.Time {
	return time.UnixMilli(c.lastActivity.Load())
}

// setViewport replaces the viewport and rebuilds room membership atomically.
func (c *client) setViewport(box geo.BBox) {
	rooms := make(map[string]struct{})
	for _, cell := range geo.CoverBBox(box) {
		rooms[cell] = struct{}{}
	}
	c.mu.Lock()
	c.hasViewport = true
	c.viewport = box
	c.rooms = rooms
	c.mu.Unlock()
}

// inRoom is the cheap pre-filter for the event-driven path: a position whose
// geohash cell is outside every room cannot be inside the viewport.
func (c *client) inRoom(cell string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasViewport {
		return false
	}
	_, ok := c.rooms[cell]
	return ok
}

// wants applies the viewport filter and the dedupe policy, marking the entity
// as sent when it passes. minMove and keepalive come from the server config.
func (c *client) wants(key track.EntityKey, tsMs int64, lat, lon float64, minMove float64, keepalive time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasViewport || !c.viewport.Contains(lat, lon) {
		return false
	}
	last, seen := c.lastSent[key]
	if seen {
		if tsMs <= last.TsMs {
			return false
		}
		moved := geo.Haversine(lat, lon, last.Lat, last.Lon)
		if moved < minMove && tsMs-last.TsMs < keepalive.Milliseconds() {
			return false
		}
	}
	c.lastSent[key] = sentMark{TsMs: tsMs, Lat: lat, Lon: lon}
	return true
}

// pruneSent drops dedupe entries older than cutoffMs so long-lived clients
// do not accumulate state for entities that went dark.
func (c *client) pruneSent(cutoffMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, mark := range c.lastSent {
		if mark.TsMs < cutoffMs {
			delete(c.lastSent, key)
		}
	}
}

// enqueue hands a frame to the writer queue without blocking. A full queue
// means the client cannot keep up; the caller disconnects it. The closed
// flag and the channel close share the mutex so enqueue never races close.
func (c *client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true // silently dropped, client is already on the way out
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.out)
	c.mu.Unlock()
	c.conn.Close(code, reason)
}

// writeLoop drains the out queue onto the socket. It exits when the queue is
// closed or a write fails; the server removes the client in both cases.
func (c *client) writeLoop(ctx context.Context) error {
	for frame := range c.out {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := c.conn.Write(wctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}
