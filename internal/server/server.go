// Package server provides the HTTP surface of the Hue connectivity layer.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sirdoy/pannello-stufa-sub009/internal/config"
	"github.com/sirdoy/pannello-stufa-sub009/internal/hue"
	"github.com/sirdoy/pannello-stufa-sub009/internal/jobs"
	"github.com/sirdoy/pannello-stufa-sub009/internal/metrics"
	"github.com/sirdoy/pannello-stufa-sub009/internal/models"
)

// Connectivity is the provider resolution surface. *hue.Resolver
// satisfies it.
type Connectivity interface {
	Status(ctx context.Context) (hue.Status, error)
	ResolveProvider(ctx context.Context) (hue.Provider, error)
	ResolveProviderForMode(ctx context.Context, mode models.ConnectionMode) (hue.Provider, error)
}

// RemoteAuth drives the Remote API grant. *hue.TokenManager satisfies it.
type RemoteAuth interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) error
	DisconnectRemote(ctx context.Context) error
	ProactiveRefresh(ctx context.Context, threshold time.Duration) (hue.ProactiveResult, error)
}

// Pairer registers with a bridge on the LAN. *hue.Pairer satisfies it.
type Pairer interface {
	Pair(ctx context.Context, bridgeIP, deviceType string) (models.ConnectivityRecord, error)
}

// RefreshHistory reports the last scheduled refresh. *jobs.RefreshJob
// satisfies it.
type RefreshHistory interface {
	Last() *jobs.LastRun
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Connectivity Connectivity
	Remote       RemoteAuth
	Pairer       Pairer
	Events       *hue.Events
	// RefreshJob may be nil when no schedule runs.
	RefreshJob RefreshHistory
	// RemoteEnabled is false when no OAuth client is configured; the
	// remote authorize and callback routes then refuse.
	RemoteEnabled bool
	Users         config.UserCredentials
	// MCPHandler is mounted at /mcp when non-nil.
	MCPHandler http.Handler
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux. Everything under /api and /mcp requires
// dashboard basic auth and runs inside its own token refresh scope.
// /healthz and /metrics are open.
func NewMux(cfg MuxConfig) *http.ServeMux {
	if cfg.Events == nil {
		cfg.Events = hue.NewEvents()
	}

	h := &handlers{
		conn:          cfg.Connectivity,
		remote:        cfg.Remote,
		pairer:        cfg.Pairer,
		events:        cfg.Events,
		refreshJob:    cfg.RefreshJob,
		remoteEnabled: cfg.RemoteEnabled,
		states:        newStateStore(),
		logger:        cfg.Logger,
	}

	authenticate := basicAuth(cfg.Users, cfg.Logger)
	protect := func(next http.Handler) http.Handler {
		return authenticate(withRefreshScope(next))
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/hue/status", h.status)
	api.HandleFunc("GET /api/hue/resources/{type}", h.listResources)
	api.HandleFunc("POST /api/hue/resources/{type}", h.createResource)
	api.HandleFunc("GET /api/hue/resources/{type}/{id}", h.getResource)
	api.HandleFunc("PUT /api/hue/resources/{type}/{id}", h.updateResource)
	api.HandleFunc("DELETE /api/hue/resources/{type}/{id}", h.deleteResource)
	api.HandleFunc("PUT /api/hue/scenes/{id}/activate", h.activateScene)
	api.HandleFunc("POST /api/hue/pair", h.pair)
	api.HandleFunc("GET /api/hue/remote/authorize", h.remoteAuthorize)
	api.HandleFunc("GET /api/hue/remote/callback", h.remoteCallback)
	api.HandleFunc("POST /api/hue/remote/disconnect", h.remoteDisconnect)
	api.HandleFunc("POST /api/hue/refresh", h.refresh)
	api.HandleFunc("GET /api/hue/events", h.eventStream)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("/api/", protect(api))

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", protect(cfg.MCPHandler))
	}

	return mux
}
