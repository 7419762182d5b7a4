package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pelorus-track/pelorus/internal/bus"
	"github.com/pelorus-track/pelorus/internal/config"
	"github.com/pelorus-track/pelorus/internal/dlq"
	"github.com/pelorus-track/pelorus/internal/fusion"
	"github.com/pelorus-track/pelorus/internal/track"
)

type fakeDLQ struct {
	pending int64
	dead    []dlq.Entry
	err     error
}

func (f *fakeDLQ) Depths(context.Context) (int64, int64, error) {
	return f.pending, int64(len(f.dead)), f.err
}

func (f *fakeDLQ) PeekDead(_ context.Context, limit int64) ([]dlq.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > int64(len(f.dead)) {
		limit = int64(len(f.dead))
	}
	return f.dead[:limit], nil
}

func (f *fakeDLQ) ClearDead(context.Context) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	n := int64(len(f.dead))
	f.dead = nil
	return n, nil
}

func (f *fakeDLQ) RequeueDead(context.Context) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	n := int64(len(f.dead))
	f.pending += n
	f.dead = nil
	return n, nil
}

type fakePublisher struct {
	channels []string
	payloads [][]byte
}

func (p *fakePublisher) Publish(channel string, payload []byte) {
	p.channels = append(p.channels, channel)
	p.payloads = append(p.payloads, payload)
}

func deadEntry(id string) dlq.Entry {
	return dlq.Entry{
		ID:         id,
		Rec:        track.FusedRecord{NormMsg: track.NormMsg{Key: "vessel:367000001", TsMs: 1000}},
		Reason:     "history insert failed",
		RetryCount: 5,
	}
}

type serverFixture struct {
	server *Server
	engine *fusion.Engine
	dlq    *fakeDLQ
	pub    *fakePublisher
}

func newFixture(adminToken string) *serverFixture {
	f := &serverFixture{
		engine: fusion.NewEngine(config.NewDefaultFusionSettings(), nil),
		dlq:    &fakeDLQ{pending: 3, dead: []dlq.Entry{deadEntry("a"), deadEntry("b")}},
		pub:    &fakePublisher{},
	}
	f.server = NewServer(ServerConfig{
		AdminToken: adminToken,
		Engine:     f.engine,
		DLQ:        f.dlq,
		Bus:        f.pub,
		StartedAt:  time.Now().Add(-time.Minute),
	})
	return f
}

func doJSON(t *testing.T, f *serverFixture, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: body not json: %v", method, path, err)
		}
	}
	return rec, decoded
}

func TestHealthz_NoAuth(t *testing.T) {
	f := newFixture("tok")
	rec, body := doJSON(t, f, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", rec.Code, body)
	}
}

func TestStatus_Snapshot(t *testing.T) {
	f := newFixture("tok")
	rec, body := doJSON(t, f, http.MethodGet, "/api/status", "tok", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	dlqBlock, ok := body["dlq"].(map[string]any)
	if !ok || dlqBlock["pending"] != float64(3) || dlqBlock["dead"] != float64(2) {
		t.Fatalf("dlq block: %v", body["dlq"])
	}
	if _, ok := body["fusion"].(map[string]any); !ok {
		t.Fatalf("fusion block missing: %v", body)
	}
	if body["uptime_seconds"].(float64) < 59 {
		t.Fatalf("uptime: %v", body["uptime_seconds"])
	}
}

func TestStatus_RequiresToken(t *testing.T) {
	f := newFixture("tok")
	rec, _ := doJSON(t, f, http.MethodGet, "/api/status", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestStatus_DegradesWhenDLQDown(t *testing.T) {
	f := newFixture("tok")
	f.dlq.err = errors.New("redis down")
	rec, body := doJSON(t, f, http.MethodGet, "/api/status", "tok", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot must always succeed, got %d", rec.Code)
	}
	dlqBlock := body["dlq"].(map[string]any)
	if dlqBlock["pending"] != float64(0) {
		t.Fatalf("degraded dlq block should be zeroed: %v", dlqBlock)
	}
}

func TestDLQ_PeekDead(t *testing.T) {
	f := newFixture("tok")
	rec, body := doJSON(t, f, http.MethodGet, "/api/dlq/dead?limit=1", "tok", "")
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("peek: %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, f, http.MethodGet, "/api/dlq/dead?limit=nope", "tok", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit must 400, got %d", rec.Code)
	}
}

func TestDLQ_ClearDeadReturnsCount(t *testing.T) {
	f := newFixture("tok")
	rec, body := doJSON(t, f, http.MethodDelete, "/api/dlq/dead", "tok", "")
	if rec.Code != http.StatusOK || body["cleared"] != float64(2) {
		t.Fatalf("clear: %d %v", rec.Code, body)
	}

	// Cleared queue: a second clear reports zero.
	_, body = doJSON(t, f, http.MethodDelete, "/api/dlq/dead", "tok", "")
	if body["cleared"] != float64(0) {
		t.Fatalf("second clear: %v", body)
	}
}

func TestDLQ_RequeueDead(t *testing.T) {
	f := newFixture("tok")
	rec, body := doJSON(t, f, http.MethodPost, "/api/dlq/dead/actions/requeue", "tok", "")
	if rec.Code != http.StatusOK || body["requeued"] != float64(2) {
		t.Fatalf("requeue: %d %v", rec.Code, body)
	}
	if f.dlq.pending != 5 {
		t.Fatalf("entries not moved to pending: %d", f.dlq.pending)
	}
}

func TestConfig_GetAndPatch(t *testing.T) {
	f := newFixture("tok")

	rec, body := doJSON(t, f, http.MethodGet, "/api/config", "tok", "")
	if rec.Code != http.StatusOK || body["window_ms"] != float64(60_000) {
		t.Fatalf("get config: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, f, http.MethodPatch, "/api/config", "tok", `{"min_move_meters": 25}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: %d %v", rec.Code, body)
	}
	if body["min_move_meters"] != float64(25) || body["window_ms"] != float64(60_000) {
		t.Fatalf("patch must merge, not replace: %v", body)
	}
	if got := f.engine.Settings().MinMoveMeters; got != 25 {
		t.Fatalf("engine not updated: %v", got)
	}
	if len(f.pub.channels) != 1 || f.pub.channels[0] != bus.ChannelConfigUpdate {
		t.Fatalf("config change not announced: %v", f.pub.channels)
	}
}

func TestConfig_PatchRejectsInvalid(t *testing.T) {
	f := newFixture("tok")
	rec, _ := doJSON(t, f, http.MethodPatch, "/api/config", "tok", `{"window_ms": -5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid patch must 400, got %d", rec.Code)
	}
	if got := f.engine.Settings().WindowMs; got != 60_000 {
		t.Fatalf("failed patch must not apply: %v", got)
	}
	if len(f.pub.channels) != 0 {
		t.Fatalf("failed patch must not publish: %v", f.pub.channels)
	}
}
