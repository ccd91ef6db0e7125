package hue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperr "github.com/sirdoy/pannello-stufa-sub009/internal/errors"
	"github.com/sirdoy/pannello-stufa-sub009/internal/logging"
	"github.com/sirdoy/pannello-stufa-sub009/internal/metrics"
	"github.com/sirdoy/pannello-stufa-sub009/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTokenBuffer is subtracted from every expiry so a token is
	// never handed out in the last minutes of its life.
	DefaultTokenBuffer = 5 * time.Minute

	// defaultExpiresIn applies when the token endpoint omits expires_in.
	defaultExpiresIn = 7 * 24 * time.Hour

	// DefaultProactiveThreshold is how close to expiry ProactiveRefresh
	// starts refreshing.
	DefaultProactiveThreshold = 24 * time.Hour

	refreshKey = "refresh"
)

// TokenConfig configures a TokenManager.
type TokenConfig struct {
	ClientID     string
	ClientSecret string
	AppID        string
	TokenURL     string
	AuthURL      string
	RedirectURL  string

	// Buffer defaults to DefaultTokenBuffer.
	Buffer time.Duration

	// DestructiveOn500 treats an HTTP 500 from the token endpoint like
	// invalid_grant and wipes the stored tokens.
	DestructiveOn500 bool

	// HTTPClient defaults to http.DefaultClient. It must not set a
	// Timeout: an aborted refresh may already have spent the refresh token
	// on the server side.
	HTTPClient *http.Client

	// Now defaults to time.Now.
	Now func() time.Time
}

// TokenManager produces valid Remote API access tokens. Within one process
// at most one refresh call is in flight at a time and every concurrent
// caller observes its outcome. Across processes it first reuses any still
// valid access token another instance persisted.
type TokenManager struct {
	cfg        TokenConfig
	store      Store
	httpClient *http.Client
	now        func() time.Time
	events     *Events
	logger     *slog.Logger

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time // already reduced by the buffer

	refreshes singleflight.Group
}

// NewTokenManager creates a TokenManager backed by store. events may be nil.
func NewTokenManager(cfg TokenConfig, store Store, events *Events, logger *slog.Logger) *TokenManager {
	if cfg.Buffer == 0 {
		cfg.Buffer = DefaultTokenBuffer
	}

	logger = logger.With(slog.String("component", "hue-tokens"))

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if httpClient.Timeout != 0 {
		logger.Warn("ignoring HTTP client timeout for token endpoint calls",
			slog.Duration("timeout", httpClient.Timeout),
		)
		c := *httpClient
		c.Timeout = 0
		httpClient = &c
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &TokenManager{
		cfg:        cfg,
		store:      store,
		httpClient: httpClient,
		now:        now,
		events:     events,
		logger:     logger,
	}
}

// GetValidAccessToken returns a currently valid access token, refreshing
// only when neither the in-memory cache nor the persisted record holds one.
// Failures are always *errors.Error values.
func (m *TokenManager) GetValidAccessToken(ctx context.Context) (string, error) {
	return m.getValidAccessToken(ctx, false)
}

// ForceRefresh discards the cached token and refreshes. ctx must carry a
// RefreshScope; without one it fails with INVALID_ARGUMENT. It refuses with
// ALREADY_REFRESHED when the scope already refreshed once.
func (m *TokenManager) ForceRefresh(ctx context.Context) (string, error) {
	scope := ScopeFrom(ctx)
	if scope == nil {
		return "", apperr.New(apperr.CodeInvalidArgument, "ForceRefresh requires a refresh scope")
	}

	if scope.Attempted() {
		m.logger.Debug("refresh already attempted in this request", slog.String("scope", scope.id()))
		return "", apperr.New(apperr.CodeAlreadyRefreshed, "token already refreshed for this request")
	}

	m.ClearTokenCache()

	return m.getValidAccessToken(ctx, true)
}

// ClearTokenCache drops the in-memory token. The persisted record is left
// untouched.
func (m *TokenManager) ClearTokenCache() {
	m.mu.Lock()
	m.accessToken = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
}

func (m *TokenManager) getValidAccessToken(ctx context.Context, force bool) (string, error) {
	scope := ScopeFrom(ctx)
	scope.reset()

	if !force {
		if token, ok := m.cached(); ok {
			metrics.TokenCacheHitsTotal.WithLabelValues("memory").Inc()
			return token, nil
		}

		rec, err := m.store.Get(ctx)
		if err != nil {
			return "", apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("reading connectivity record: %w", err))
		}

		if token, ok := m.hydrate(rec); ok {
			metrics.TokenCacheHitsTotal.WithLabelValues("persisted").Inc()
			m.logger.Debug("reusing persisted access token", slog.String("scope", scope.id()))
			return token, nil
		}
	}

	// The refresh outlives any single caller: followers share it, so the
	// leader's cancellation must not abort it for them.
	refreshCtx := context.WithoutCancel(ctx)

	v, err, shared := m.refreshes.Do(refreshKey, func() (any, error) {
		return m.performRefresh(refreshCtx)
	})

	scope.markAttempted()

	if shared {
		m.logger.Debug("joined in-flight refresh", slog.String("scope", scope.id()))
	}

	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// cached returns the in-memory token while it is inside its buffered
// validity window.
func (m *TokenManager) cached() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accessToken != "" && m.now().Before(m.expiresAt) {
		return m.accessToken, true
	}

	return "", false
}

// hydrate adopts the persisted access token when it is still valid past
// the buffer.
func (m *TokenManager) hydrate(rec models.ConnectivityRecord) (string, bool) {
	if rec.AccessToken == "" || rec.AccessTokenExpiresAt == 0 {
		return "", false
	}

	usableUntil := rec.AccessTokenExpiry().Add(-m.cfg.Buffer)
	if !usableUntil.After(m.now()) {
		return "", false
	}

	m.setCache(rec.AccessToken, usableUntil)

	return rec.AccessToken, true
}

func (m *TokenManager) setCache(token string, usableUntil time.Time) {
	m.mu.Lock()
	m.accessToken = token
	m.expiresAt = usableUntil
	m.mu.Unlock()
}

// performRefresh spends the stored refresh token. Only one runs at a time
// per process.
func (m *TokenManager) performRefresh(ctx context.Context) (string, error) {
	rec, err := m.store.Get(ctx)
	if err != nil {
		return "", m.refreshFailed(apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("reading connectivity record: %w", err)))
	}

	refreshToken := rec.RefreshToken
	if refreshToken == "" {
		return "", m.refreshFailed(apperr.Reconnect(apperr.CodeNotConnected, "no remote refresh token stored"))
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	status, body, err := m.postToken(ctx, form)
	if err != nil {
		return "", m.refreshFailed(apperr.Wrap(apperr.CodeNetworkError, err))
	}

	if !gjson.ValidBytes(body) {
		e := apperr.Newf(apperr.CodeInvalidResponse, "token endpoint returned non-JSON body (status %d)", status)
		e.Status = status
		e.Reconnect = status == http.StatusUnauthorized || status == http.StatusForbidden
		return "", m.refreshFailed(e)
	}

	res := gjson.GetManyBytes(body, "access_token", "refresh_token", "expires_in", "error", "error_description")
	accessToken, newRefreshToken, expiresIn := res[0].String(), res[1].String(), res[2]
	oauthErr, oauthDesc := res[3].String(), res[4].String()

	if status < 200 || status >= 300 || oauthErr != "" {
		return m.handleRefreshError(ctx, refreshToken, status, oauthErr, oauthDesc)
	}

	if accessToken == "" {
		e := apperr.New(apperr.CodeNoAccessToken, "token endpoint response had no access_token")
		e.Status = status
		return "", m.refreshFailed(e)
	}

	lifetime := defaultExpiresIn
	if expiresIn.Exists() && expiresIn.Type != gjson.Null {
		lifetime = time.Duration(expiresIn.Int()) * time.Second
	}

	expiresAt := m.now().Add(lifetime)

	patch := models.ConnectivityPatch{
		AccessToken:          models.Ptr(accessToken),
		AccessTokenExpiresAt: models.Ptr(expiresAt.UnixMilli()),
	}

	rotated := newRefreshToken != "" && newRefreshToken != refreshToken
	if rotated {
		patch.RefreshToken = models.Ptr(newRefreshToken)
	}

	if _, err := m.store.Update(ctx, patch); err != nil {
		// The access token is still good for this process, but a lost
		// rotation means the next refresh will be rejected.
		outcome := "persist_failed"
		if rotated {
			outcome = "rotation_persist_failed"
		}
		metrics.TokenRefreshTotal.WithLabelValues(outcome).Inc()
		m.logger.Error("failed to persist refreshed tokens",
			slog.String("error", err.Error()),
			slog.Bool("rotated", rotated),
			slog.String("outcome", outcome),
		)
	}

	m.setCache(accessToken, expiresAt.Add(-m.cfg.Buffer))

	metrics.TokenRefreshTotal.WithLabelValues("ok").Inc()
	m.logger.Info("access token refreshed",
		slog.Bool("rotated", rotated),
		slog.Time("expires_at", expiresAt),
		slog.String("token", logging.Mask(accessToken)),
	)

	return accessToken, nil
}

// handleRefreshError classifies a failed refresh. Revoked grants wipe the
// stored tokens; anything else is reported as transient.
func (m *TokenManager) handleRefreshError(ctx context.Context, sent string, status int, oauthErr, desc string) (string, error) {
	destructive := oauthErr == "invalid_grant" ||
		oauthErr == "invalid_token" ||
		(status == http.StatusInternalServerError && m.cfg.DestructiveOn500) ||
		strings.Contains(strings.ToLower(desc), "unrecognizable")

	m.logger.Warn("token refresh rejected",
		slog.Int("status", status),
		slog.String("error", oauthErr),
		slog.String("description", desc),
		slog.Bool("destructive", destructive),
	)

	if !destructive {
		e := apperr.Newf(apperr.CodeTokenError, "token refresh failed (status %d): %s", status, describe(oauthErr, desc))
		e.Status = status
		return "", m.refreshFailed(e)
	}

	cleared, rec, err := m.store.ClearRemoteIf(ctx, sent)
	if err != nil {
		m.logger.Error("failed to clear revoked tokens", slog.String("error", err.Error()))
	}

	if err == nil && !cleared {
		// Another instance rotated the refresh token while ours was in
		// flight. Its result is the live one.
		m.logger.Warn("refresh token rotated concurrently, keeping stored tokens")

		if token, ok := m.hydrate(rec); ok {
			metrics.TokenRefreshTotal.WithLabelValues("concurrent_rotation").Inc()
			return token, nil
		}

		e := apperr.New(apperr.CodeTokenError, "refresh token was rotated by another instance")
		e.Status = status
		return "", m.refreshFailed(e)
	}

	m.ClearTokenCache()
	m.events.Publish(Event{
		Mode:      models.ModeLocal,
		Reason:    "remote_token_revoked",
		Reconnect: true,
		At:        m.now().UnixMilli(),
	})

	e := apperr.Reconnect(apperr.CodeTokenExpired, "remote authorization revoked, reconnect required: "+describe(oauthErr, desc))
	e.Status = status

	return "", m.refreshFailed(e)
}

func (m *TokenManager) refreshFailed(e *apperr.Error) error {
	metrics.TokenRefreshTotal.WithLabelValues(string(e.Code)).Inc()
	return e
}

// postToken sends a form to the token endpoint with HTTP Basic client
// authentication and returns the raw status and body.
func (m *TokenManager) postToken(ctx context.Context, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("creating token request: %w", err)
	}

	req.SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("sending token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading token response: %w", err)
	}

	return resp.StatusCode, body, nil
}

func describe(oauthErr, desc string) string {
	switch {
	case oauthErr != "" && desc != "":
		return oauthErr + " (" + desc + ")"
	case oauthErr != "":
		return oauthErr
	case desc != "":
		return desc
	}
	return "no error detail"
}
