package hue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperr "github.com/sirdoy/pannello-stufa-sub009/internal/errors"
	"github.com/sirdoy/pannello-stufa-sub009/internal/models"
	"golang.org/x/oauth2"
)

// ProactiveStatus is the outcome of a scheduled refresh check.
type ProactiveStatus string

const (
	ProactiveRefreshed       ProactiveStatus = "refreshed"
	ProactiveNotExpiringSoon ProactiveStatus = "not_expiring_soon"
)

// ProactiveResult reports what ProactiveRefresh did.
type ProactiveResult struct {
	Status    ProactiveStatus `json:"status"`
	Remaining time.Duration   `json:"remaining"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func (m *TokenManager) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		RedirectURL:  m.cfg.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   m.cfg.AuthURL,
			TokenURL:  m.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// AuthorizeURL returns the URL that starts the Remote API consent flow.
func (m *TokenManager) AuthorizeURL(state string) string {
	var opts []oauth2.AuthCodeOption
	if m.cfg.AppID != "" {
		opts = append(opts, oauth2.SetAuthURLParam("appid", m.cfg.AppID))
	}

	return m.oauthConfig().AuthCodeURL(state, opts...)
}

// ExchangeCode trades an authorization code for the initial token triple
// and persists it.
func (m *TokenManager) ExchangeCode(ctx context.Context, code string) error {
	if code == "" {
		return apperr.New(apperr.CodeInvalidArgument, "authorization code is required")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	tok, err := m.oauthConfig().Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			e := apperr.Newf(apperr.CodeTokenError, "authorization code rejected: %s", describe(re.ErrorCode, re.ErrorDescription))
			if re.Response != nil {
				e.Status = re.Response.StatusCode
			}
			e.Reconnect = true
			return e
		}
		return apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("exchanging authorization code: %w", err))
	}

	if tok.RefreshToken == "" {
		return apperr.New(apperr.CodeInvalidResponse, "token endpoint returned no refresh_token")
	}

	now := m.now()

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(defaultExpiresIn)
	}

	rec, err := m.store.Get(ctx)
	if err != nil {
		return apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("reading connectivity record: %w", err))
	}

	mode := models.ModeRemote
	if rec.HasLocal() {
		mode = models.ModeHybrid
	}

	_, err = m.store.Update(ctx, models.ConnectivityPatch{
		AccessToken:          models.Ptr(tok.AccessToken),
		AccessTokenExpiresAt: models.Ptr(expiresAt.UnixMilli()),
		RefreshToken:         models.Ptr(tok.RefreshToken),
		RemoteConnectedAt:    models.Ptr(now.UnixMilli()),
		ConnectionMode:       models.Ptr(mode),
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("persisting remote tokens: %w", err))
	}

	m.setCache(tok.AccessToken, expiresAt.Add(-m.cfg.Buffer))
	m.events.Publish(Event{Mode: mode, Reason: "remote_connected", At: now.UnixMilli()})

	m.logger.Info("remote API connected", slog.Time("expires_at", expiresAt))

	return nil
}

// SaveRefreshToken persists an initial refresh token obtained out of band.
// Any cached access token belongs to the previous grant and is dropped.
func (m *TokenManager) SaveRefreshToken(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return apperr.New(apperr.CodeInvalidArgument, "refresh token is required")
	}

	_, err := m.store.Update(ctx, models.ConnectivityPatch{
		RefreshToken:         models.Ptr(refreshToken),
		AccessToken:          models.Ptr(""),
		AccessTokenExpiresAt: models.Ptr(int64(0)),
		RemoteConnectedAt:    models.Ptr(m.now().UnixMilli()),
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("persisting refresh token: %w", err))
	}

	m.ClearTokenCache()

	return nil
}

// DisconnectRemote forgets the remote grant. Local credentials survive.
func (m *TokenManager) DisconnectRemote(ctx context.Context) error {
	rec, err := m.store.ClearRemote(ctx)
	if err != nil {
		return apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("clearing remote tokens: %w", err))
	}

	m.ClearTokenCache()
	m.events.Publish(Event{Mode: rec.ConnectionMode, Reason: "remote_disconnected", At: m.now().UnixMilli()})
	m.logger.Info("remote API disconnected")

	return nil
}

// ProactiveRefresh refreshes only when the stored access token expires
// within threshold (DefaultProactiveThreshold when zero). Meant for a
// periodic job, so an idle household never burns refresh tokens needlessly.
func (m *TokenManager) ProactiveRefresh(ctx context.Context, threshold time.Duration) (ProactiveResult, error) {
	if threshold <= 0 {
		threshold = DefaultProactiveThreshold
	}

	rec, err := m.store.Get(ctx)
	if err != nil {
		return ProactiveResult{}, apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("reading connectivity record: %w", err))
	}

	if !rec.HasRemote() {
		return ProactiveResult{}, apperr.Reconnect(apperr.CodeNotConnected, "no remote refresh token stored")
	}

	if rec.AccessTokenExpiresAt != 0 {
		remaining := rec.AccessTokenExpiry().Sub(m.now())
		if remaining > threshold {
			return ProactiveResult{
				Status:    ProactiveNotExpiringSoon,
				Remaining: remaining,
				ExpiresAt: rec.AccessTokenExpiry(),
			}, nil
		}
	}

	ctx, _ = NewRefreshScope(ctx)
	if _, err := m.ForceRefresh(ctx); err != nil {
		return ProactiveResult{}, err
	}

	rec, err = m.store.Get(ctx)
	if err != nil {
		return ProactiveResult{}, apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("reading connectivity record: %w", err))
	}

	return ProactiveResult{
		Status:    ProactiveRefreshed,
		Remaining: rec.AccessTokenExpiry().Sub(m.now()),
		ExpiresAt: rec.AccessTokenExpiry(),
	}, nil
}
