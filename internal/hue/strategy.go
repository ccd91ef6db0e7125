package hue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	apperr "github.com/sirdoy/pannello-stufa-sub009/internal/errors"
	"github.com/sirdoy/pannello-stufa-sub009/internal/metrics"
	"github.com/sirdoy/pannello-stufa-sub009/internal/models"
)

// modeWriteTimeout bounds the background connectionMode write.
const modeWriteTimeout = 5 * time.Second

// ResolverConfig holds the collaborators of a Resolver.
type ResolverConfig struct {
	Store  Store
	Prober Prober
	Tokens TokenSource
	Events *Events

	// BridgeClient is used by local providers; it must accept the
	// bridge's self-signed certificate.
	BridgeClient *http.Client
	// RemoteClient and RemoteAPIURL are used by remote providers.
	RemoteClient *http.Client
	RemoteAPIURL string

	Logger *slog.Logger
}

// Resolver picks a ready-to-use Provider per request, preferring the LAN.
type Resolver struct {
	cfg     ResolverConfig
	logger  *slog.Logger
	pending sync.WaitGroup
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.BridgeClient == nil {
		cfg.BridgeClient = &http.Client{Transport: NewBridgeTransport()}
	}

	return &Resolver{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "hue-strategy")),
	}
}

// ResolveProvider returns a LocalProvider when the bridge answers on the
// LAN, else a RemoteProvider backed by a valid access token. It fails with
// NOT_CONNECTED, NO_USERNAME or REMOTE_AUTH_FAILED.
func (r *Resolver) ResolveProvider(ctx context.Context) (Provider, error) {
	p, err := r.resolve(ctx)
	if err != nil {
		metrics.ProviderResolutionsTotal.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		return nil, err
	}

	metrics.ProviderResolutionsTotal.WithLabelValues(string(p.Mode())).Inc()

	return p, nil
}

func (r *Resolver) resolve(ctx context.Context) (Provider, error) {
	rec, err := r.cfg.Store.Get(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("reading connectivity record: %w", err))
	}

	if rec.HasLocal() {
		probe := r.cfg.Prober.Probe(ctx, rec.BridgeIP, rec.Username)
		if probe.Reachable {
			mode := models.ModeLocal
			if rec.HasRemote() {
				mode = models.ModeHybrid
			}
			r.recordMode(rec.ConnectionMode, mode, "local_reachable")

			return r.local(rec), nil
		}

		r.logger.Debug("local bridge unreachable, trying remote", slog.String("bridge", rec.BridgeIP))
	}

	if !rec.HasRemote() {
		return nil, apperr.Reconnect(apperr.CodeNotConnected, "no reachable local bridge and no remote authorization")
	}

	p, err := r.remote(ctx, rec)
	if err != nil {
		return nil, err
	}

	r.recordMode(rec.ConnectionMode, models.ModeRemote, "remote")

	return p, nil
}

// ResolveProviderForMode skips the probe and builds the provider for mode.
func (r *Resolver) ResolveProviderForMode(ctx context.Context, mode models.ConnectionMode) (Provider, error) {
	if mode != models.ModeLocal && mode != models.ModeRemote {
		return nil, apperr.Newf(apperr.CodeInvalidArgument, "unsupported provider mode %q", mode)
	}

	rec, err := r.cfg.Store.Get(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("reading connectivity record: %w", err))
	}

	if mode == models.ModeLocal {
		if !rec.HasLocal() {
			return nil, apperr.New(apperr.CodeLocalNotConfigured, "bridge address and application key are required for local mode")
		}
		return r.local(rec), nil
	}

	return r.remote(ctx, rec)
}

func (r *Resolver) local(rec models.ConnectivityRecord) *LocalProvider {
	return NewLocalProvider(r.cfg.BridgeClient, rec.BridgeIP, rec.Username)
}

func (r *Resolver) remote(ctx context.Context, rec models.ConnectivityRecord) (*RemoteProvider, error) {
	if rec.Username == "" {
		return nil, apperr.New(apperr.CodeNoUsername, "remote access needs the bridge application key; pair the bridge first")
	}

	token, err := r.cfg.Tokens.GetValidAccessToken(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRemoteAuthFailed, err)
	}

	return NewRemoteProvider(r.cfg.RemoteClient, r.cfg.RemoteAPIURL, rec.Username, token, r.cfg.Tokens, r.cfg.Logger), nil
}

// recordMode persists the chosen mode without blocking the request. The
// stored mode is advisory; a failed write only costs diagnostics.
func (r *Resolver) recordMode(previous, mode models.ConnectionMode, reason string) {
	if previous == mode {
		return
	}

	r.pending.Add(1)

	go func() {
		defer r.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), modeWriteTimeout)
		defer cancel()

		if _, err := r.cfg.Store.Update(ctx, models.ConnectivityPatch{ConnectionMode: models.Ptr(mode)}); err != nil {
			r.logger.Warn("failed to record connection mode",
				slog.String("mode", string(mode)),
				slog.String("error", err.Error()),
			)
			return
		}

		r.cfg.Events.Publish(Event{Mode: mode, Reason: reason, At: time.Now().UnixMilli()})
	}()
}

// Wait blocks until background mode writes have finished.
func (r *Resolver) Wait() {
	r.pending.Wait()
}

// Status is a diagnostic snapshot of connectivity.
type Status struct {
	Mode              models.ConnectionMode `json:"mode"`
	PersistedMode     models.ConnectionMode `json:"persistedMode,omitempty"`
	HasLocal          bool                  `json:"hasLocal"`
	LocalReachable    bool                  `json:"localReachable"`
	LocalUnauthorized bool                  `json:"localUnauthorized,omitempty"`
	HasRemote         bool                  `json:"hasRemote"`
	TokenExpiresAt    int64                 `json:"tokenExpiresAt,omitempty"`
	BridgeIP          string                `json:"bridgeIp,omitempty"`
}

// Status probes the bridge and derives the current mode. It never touches
// the token endpoint.
func (r *Resolver) Status(ctx context.Context) (Status, error) {
	rec, err := r.cfg.Store.Get(ctx)
	if err != nil {
		return Status{}, apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("reading connectivity record: %w", err))
	}

	st := Status{
		PersistedMode:  rec.ConnectionMode,
		HasLocal:       rec.HasLocal(),
		HasRemote:      rec.HasRemote(),
		TokenExpiresAt: rec.AccessTokenExpiresAt,
		BridgeIP:       rec.BridgeIP,
	}

	if st.HasLocal {
		probe := r.cfg.Prober.Probe(ctx, rec.BridgeIP, rec.Username)
		st.LocalReachable = probe.Reachable
		st.LocalUnauthorized = probe.Unauthorized
	}

	st.Mode = DeriveMode(st.HasLocal, st.LocalReachable, st.HasRemote)

	return st, nil
}

// DeriveMode classifies connectivity from its three inputs.
func DeriveMode(hasLocal, localReachable, hasRemote bool) models.ConnectionMode {
	local := hasLocal && localReachable

	switch {
	case local && hasRemote:
		return models.ModeHybrid
	case local:
		return models.ModeLocal
	case hasRemote:
		return models.ModeRemote
	}

	return models.ModeDisconnected
}
