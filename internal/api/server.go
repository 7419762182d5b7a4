package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pelorus-track/pelorus/internal/adapter"
	"github.com/pelorus-track/pelorus/internal/config"
	"github.com/pelorus-track/pelorus/internal/dlq"
	"github.com/pelorus-track/pelorus/internal/fusion"
	"github.com/pelorus-track/pelorus/internal/gateway"
)

// DeadLetterAdmin is the DLQ surface the operator endpoints use.
type DeadLetterAdmin interface {
	Depths(ctx context.Context) (pending, dead int64, err error)
	PeekDead(ctx context.Context, limit int64) ([]dlq.Entry, error)
	ClearDead(ctx context.Context) (int64, error)
	RequeueDead(ctx context.Context) (int64, error)
}

// SettingsStore is the fusion-settings surface behind /api/config.
type SettingsStore interface {
	Settings() *config.FusionSettings
	UpdateSettings(*config.FusionSettings)
}

// Publisher is the bus surface config changes are announced on.
type Publisher interface {
	Publish(channel string, payload []byte)
}

// GatewayStats exposes the gateway block of the status snapshot.
type GatewayStats interface {
	Stats() gateway.Stats
}

// ServerConfig wires the API server.
type ServerConfig struct {
	ListenAddress string
	Port          int
	AdminToken    string
	MaxBodyBytes  int64

	Adapters []adapter.Adapter
	Engine   *fusion.Engine
	DLQ      DeadLetterAdmin
	Gateway  GatewayStats
	Bus      Publisher

	// GatewayHandler is mounted at /ws when set.
	GatewayHandler http.Handler
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler

	StartedAt time.Time
}

// Server wraps the HTTP server and mux for the operator API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the API server wired with all routes. The realtime
// gateway and the metrics endpoint stay outside the admin-token middleware;
// everything under /api/ is authenticated.
func NewServer(cfg ServerConfig) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())
	if cfg.GatewayHandler != nil {
		mux.Handle("/ws", cfg.GatewayHandler)
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/status", HandleStatus(cfg))

	if cfg.DLQ != nil {
		authed.Handle("GET /api/dlq/dead", HandlePeekDead(cfg.DLQ))
		authed.Handle("DELETE /api/dlq/dead", HandleClearDead(cfg.DLQ))
		authed.Handle("POST /api/dlq/dead/actions/requeue", HandleRequeueDead(cfg.DLQ))
	}

	if cfg.Engine != nil {
		authed.Handle("GET /api/config", HandleGetConfig(cfg.Engine))
		authed.Handle("PATCH /api/config", HandlePatchConfig(cfg.Engine, cfg.Bus))
	}

	limitedAuthed := RequestBodyLimitMiddleware(cfg.MaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(cfg.AdminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StatusResponse is the operator status snapshot.
type StatusResponse struct {
	Adapters      []adapter.Status `json:"adapters"`
	Fusion        fusion.Stats     `json:"fusion"`
	DLQ           DLQDepths        `json:"dlq"`
	Gateway       *gateway.Stats   `json:"gateway,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// DLQDepths is the dlq block of the status snapshot.
type DLQDepths struct {
	Pending int64 `json:"pending"`
	Dead    int64 `json:"dead"`
}

// HandleStatus returns GET /api/status. The snapshot always succeeds;
// unreachable components degrade to zero blocks rather than failing the call.
func HandleStatus(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Adapters: make([]adapter.Status, 0, len(cfg.Adapters)),
		}
		for _, a := range cfg.Adapters {
			resp.Adapters = append(resp.Adapters, a.Status())
		}
		if cfg.Engine != nil {
			resp.Fusion = cfg.Engine.Snapshot()
		}
		if cfg.DLQ != nil {
			if pending, dead, err := cfg.DLQ.Depths(r.Context()); err == nil {
				resp.DLQ = DLQDepths{Pending: pending, Dead: dead}
			}
		}
		if cfg.Gateway != nil {
			stats := cfg.Gateway.Stats()
			resp.Gateway = &stats
		}
		if !cfg.StartedAt.IsZero() {
			resp.UptimeSeconds = int64(time.Since(cfg.StartedAt).Seconds())
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
