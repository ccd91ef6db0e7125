// Package hue decides, per request, whether to reach the Philips Hue
// bridge over the LAN or through the cloud Remote API, and owns the
// lifecycle of the single-use, rotating OAuth refresh token behind the
// remote path.
package hue

//go:generate mockgen -source=interfaces.go -destination=mock_interfaces_test.go -package=hue

import (
	"context"

	"github.com/sirdoy/pannello-stufa-sub009/internal/models"
)

// Store is the persisted connectivity record shared by every server
// instance. *state.ConnectivityStore satisfies it.
type Store interface {
	Get(ctx context.Context) (models.ConnectivityRecord, error)
	Update(ctx context.Context, patch models.ConnectivityPatch) (models.ConnectivityRecord, error)
	ClearRemoteIf(ctx context.Context, refreshToken string) (bool, models.ConnectivityRecord, error)
	ClearRemote(ctx context.Context) (models.ConnectivityRecord, error)
}

// Prober checks whether the LAN bridge answers right now.
type Prober interface {
	Probe(ctx context.Context, bridgeIP, appKey string) ProbeResult
}

// TokenSource hands out Remote API access tokens. *TokenManager is the
// production implementation.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}
