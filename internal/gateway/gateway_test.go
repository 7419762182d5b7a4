package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/pelorus-track/pelorus/internal/bus"
	"github.com/pelorus-track/pelorus/internal/geo"
	"github.com/pelorus-track/pelorus/internal/hotview"
	"github.com/pelorus-track/pelorus/internal/track"
)

type fakeHotView struct {
	mu     sync.Mutex
	latest []hotview.Latest
}

func (f *fakeHotView) set(latest ...hotview.Latest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = latest
}

func (f *fakeHotView) ActiveSince(_ context.Context, cutoffMs int64) ([]track.EntityKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []track.EntityKey
	for _, l := range f.latest {
		if l.TsMs > cutoffMs {
			keys = append(keys, l.Key)
		}
	}
	return keys, nil
}

func (f *fakeHotView) Latest(_ context.Context, keys []track.EntityKey) ([]hotview.Latest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[track.EntityKey]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	var out []hotview.Latest
	for _, l := range f.latest {
		if _, ok := want[l.Key]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]bus.Handler
}

func (f *fakeBus) Subscribe(channel string, h bus.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]bus.Handler)
	}
	f.handlers[channel] = h
	return func() {}
}

func (f *fakeBus) emit(t *testing.T, channel string, rec track.FusedRecord) {
	t.Helper()
	payload, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.mu.Lock()
	h := f.handlers[channel]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler on %s", channel)
	}
	h(channel, payload)
}

type harness struct {
	server *Server
	hot    *fakeHotView
	bus    *fakeBus
	http   *httptest.Server
}

func startServer(t *testing.T) *harness {
	t.Helper()
	h := &harness{hot: &fakeHotView{}, bus: &fakeBus{}}
	h.server = NewServer(Config{
		HotView:             h.hot,
		Bus:                 h.bus,
		BroadcastInterval:   time.Hour, // ticks are driven by hand in tests
		MinClientMoveMeters: 10,
		ClientKeepalive:     30 * time.Second,
	})
	h.server.Start(context.Background())
	t.Cleanup(h.server.Stop)
	h.http = httptest.NewServer(h.server.Handler())
	t.Cleanup(h.http.Close)
	return h
}

// dialAndSubscribe connects a websocket client, declares the viewport, and
// consumes the connectionStats acknowledgement.
func dialAndSubscribe(t *testing.T, h *harness, bbox [4]float64) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+h.http.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	sub, _ := json.Marshal(map[string]any{
		"event": "subscribeViewport",
		"data":  map[string]any{"bbox": bbox},
	})
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Event != EventConnectionStats {
		t.Fatalf("expected connectionStats ack, got %s", frame.Event)
	}
	return conn
}

type testFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame testFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame: %v", err)
	}
	return frame
}

func position(t *testing.T, frame testFrame) hotview.Latest {
	t.Helper()
	var pos hotview.Latest
	if err := json.Unmarshal(frame.Data, &pos); err != nil {
		t.Fatalf("position payload: %v", err)
	}
	return pos
}

func fused(key track.EntityKey, tsMs int64, lat, lon float64) track.FusedRecord {
	return track.FusedRecord{
		NormMsg: track.NormMsg{Key: key, Source: track.SourceAISWS, TsMs: tsMs, Lat: lat, Lon: lon, Sane: true},
		Score:   0.9,
	}
}

func TestBroadcastTick_ViewportFilters(t *testing.T) {
	h := startServer(t)
	conn := dialAndSubscribe(t, h, [4]float64{-123, 37, -122, 38})
	now := time.Now().UnixMilli()

	// One entity outside the viewport, one inside. Only the second arrives.
	h.hot.set(
		hotview.Latest{Key: "vessel:111000001", Lat: 37.5, Lon: -124, TsMs: now - 1_000},
		hotview.Latest{Key: "vessel:111000002", Lat: 37.5, Lon: -122.5, TsMs: now - 1_000},
	)
	h.server.broadcastTick(context.Background())

	frame := readFrame(t, conn)
	if frame.Event != EventPositionUpdate {
		t.Fatalf("expected positionUpdate, got %s", frame.Event)
	}
	if pos := position(t, frame); pos.Key != "vessel:111000002" {
		t.Fatalf("out-of-viewport entity pushed: %+v", pos)
	}

	// Re-ticking without new data pushes nothing; the next frame the client
	// sees is the moved in-viewport entity.
	h.server.broadcastTick(context.Background())
	h.hot.set(hotview.Latest{Key: "vessel:111000002", Lat: 37.6, Lon: -122.5, TsMs: now + 60_000})
	h.server.broadcastTick(context.Background())

	if pos := position(t, readFrame(t, conn)); pos.TsMs != now+60_000 {
		t.Fatalf("expected the moved position, got %+v", pos)
	}
}

func TestBroadcastTick_StaleEntriesSkipped(t *testing.T) {
	h := startServer(t)
	conn := dialAndSubscribe(t, h, [4]float64{-123, 37, -122, 38})
	now := time.Now().UnixMilli()

	h.hot.set(
		hotview.Latest{Key: "vessel:111000003", Lat: 37.5, Lon: -122.5, TsMs: now - 25*3_600_000},
		hotview.Latest{Key: "vessel:111000004", Lat: 37.5, Lon: -122.4, TsMs: now - 1_000},
	)
	h.server.broadcastTick(context.Background())

	if pos := position(t, readFrame(t, conn)); pos.Key != "vessel:111000004" {
		t.Fatalf("stale entity pushed: %+v", pos)
	}
}

func TestEventPath_DedupeAndRooms(t *testing.T) {
	h := startServer(t)
	conn := dialAndSubscribe(t, h, [4]float64{-123, 37, -122, 38})
	now := time.Now().UnixMilli()

	h.bus.emit(t, bus.ChannelPositionUpdate, fused("vessel:222000001", now-10_000, 37.5, -122.5))
	if pos := position(t, readFrame(t, conn)); pos.Key != "vessel:222000001" {
		t.Fatalf("unexpected first push: %+v", pos)
	}

	// Newer but barely moved and inside the keepalive: deduped. Outside the
	// viewport: filtered. The next frame must be the later real move.
	h.bus.emit(t, bus.ChannelPositionUpdate, fused("vessel:222000001", now-9_000, 37.50001, -122.5))
	h.bus.emit(t, bus.ChannelPositionUpdate, fused("vessel:222000002", now-9_000, 37.5, -124))
	h.bus.emit(t, bus.ChannelPositionUpdate, fused("vessel:222000001", now-8_000, 37.6, -122.5))

	if pos := position(t, readFrame(t, conn)); pos.Lat != 37.6 {
		t.Fatalf("dedupe or viewport filter leaked a frame: %+v", pos)
	}
}

func TestEntityNew_AnnouncesAndAlerts(t *testing.T) {
	h := startServer(t)
	conn := dialAndSubscribe(t, h, [4]float64{-123, 37, -122, 38})
	now := time.Now().UnixMilli()

	h.bus.emit(t, bus.ChannelEntityNew, fused("vessel:333000001", now-1_000, 37.5, -122.5))

	first := readFrame(t, conn)
	if first.Event != EventNewEntity {
		t.Fatalf("expected newEntity, got %s", first.Event)
	}
	second := readFrame(t, conn)
	if second.Event != EventRegionAlert {
		t.Fatalf("expected regionAlert, got %s", second.Event)
	}
	var alert regionAlert
	if err := json.Unmarshal(second.Data, &alert); err != nil || alert.Key != "vessel:333000001" {
		t.Fatalf("alert payload: %v %+v", err, alert)
	}
}

func TestConfigUpdate_Forwarded(t *testing.T) {
	h := startServer(t)
	conn := dialAndSubscribe(t, h, [4]float64{-123, 37, -122, 38})

	f := h.bus.handlers[bus.ChannelConfigUpdate]
	if f == nil {
		t.Fatal("gateway must subscribe to config updates")
	}
	f(bus.ChannelConfigUpdate, []byte(`{"window_ms":30000}`))

	frame := readFrame(t, conn)
	if frame.Event != EventConfigUpdate {
		t.Fatalf("expected configUpdate, got %s", frame.Event)
	}
	if string(frame.Data) != `{"window_ms":30000}` {
		t.Fatalf("payload not forwarded verbatim: %s", frame.Data)
	}
}

func TestInvalidViewport_Rejected(t *testing.T) {
	h := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+h.http.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	bad, _ := json.Marshal(map[string]any{
		"event": "subscribeViewport",
		"data":  map[string]any{"bbox": [4]float64{-123, 38, -122, 37}}, // minLat > maxLat
	})
	if err := conn.Write(ctx, websocket.MessageText, bad); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection stays up but gets no positions until a valid viewport
	// arrives: a subsequent tick with in-range data must deliver nothing
	// before the valid subscription's ack.
	now := time.Now().UnixMilli()
	h.hot.set(hotview.Latest{Key: "vessel:444000001", Lat: 37.5, Lon: -122.5, TsMs: now - 1_000})
	h.server.broadcastTick(context.Background())

	good, _ := json.Marshal(map[string]any{
		"event": "subscribeViewport",
		"data":  map[string]any{"bbox": [4]float64{-123, 37, -122, 38}},
	})
	if err := conn.Write(ctx, websocket.MessageText, good); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, conn); frame.Event != EventConnectionStats {
		t.Fatalf("rejected viewport must not subscribe the client, got %s", frame.Event)
	}
}

func TestQueueOverflow_DisconnectsOnlyThatClient(t *testing.T) {
	h := startServer(t)
	now := time.Now().UnixMilli()

	// A hand-built client with a one-slot queue and no writer simulates a
	// subscriber that stopped reading.
	healthy := dialAndSubscribe(t, h, [4]float64{-123, 37, -122, 38})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rawConn, _, err := websocket.Dial(ctx, "ws"+h.http.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer rawConn.Close(websocket.StatusNormalClosure, "")
	stuck := newClient("stuck", rawConn, 1)
	stuck.setViewport(geo.BBox{MinLon: -123, MinLat: 37, MaxLon: -122, MaxLat: 38})
	h.server.clients.Store(stuck.id, stuck)

	h.server.send(stuck, EventPositionUpdate, hotview.Latest{Key: "vessel:555000001"})
	h.server.send(stuck, EventPositionUpdate, hotview.Latest{Key: "vessel:555000002"})

	if _, ok := h.server.clients.Load("stuck"); ok {
		t.Fatal("overflowing client not removed")
	}
	if h.server.Stats().Dropped != 1 {
		t.Fatalf("dropped counter: %+v", h.server.Stats())
	}

	// The healthy client still receives ticks.
	h.hot.set(hotview.Latest{Key: "vessel:555000003", Lat: 37.5, Lon: -122.5, TsMs: now - 1_000})
	h.server.broadcastTick(context.Background())
	if pos := position(t, readFrame(t, healthy)); pos.Key != "vessel:555000003" {
		t.Fatalf("healthy client starved: %+v", pos)
	}
}

func TestClientWants_DedupePolicy(t *testing.T) {
	c := newClient("c", nil, 1)
	c.setViewport(geo.BBox{MinLon: -123, MinLat: 37, MaxLon: -122, MaxLat: 38})
	now := time.Now().UnixMilli()

	if !c.wants("vessel:1", now-60_000, 37.5, -122.5, 10, 30*time.Second) {
		t.Fatal("first sighting must pass")
	}
	if c.wants("vessel:1", now-61_000, 37.6, -122.5, 10, 30*time.Second) {
		t.Fatal("older ts must never pass")
	}
	if c.wants("vessel:1", now-59_000, 37.50001, -122.5, 10, 30*time.Second) {
		t.Fatal("sub-threshold move inside keepalive must be deduped")
	}
	if !c.wants("vessel:1", now-58_000, 37.6, -122.5, 10, 30*time.Second) {
		t.Fatal("real move must pass")
	}
	if !c.wants("vessel:1", now, 37.6, -122.5, 10, 30*time.Second) {
		t.Fatal("keepalive-aged repeat must pass without movement")
	}
}
