package hue

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	apperr "github.com/sirdoy/pannello-stufa-sub009/internal/errors"
	"github.com/sirdoy/pannello-stufa-sub009/internal/metrics"
	"github.com/sirdoy/pannello-stufa-sub009/internal/models"
)

// DefaultRemoteAPIURL is the Philips cloud proxy in front of the bridge.
const DefaultRemoteAPIURL = "https://api.meethue.com/route"

// RemoteProvider reaches the bridge through the Remote API. A 401 triggers
// exactly one token refresh and one retry of the original request.
type RemoteProvider struct {
	resourceOps
	Username string

	mu          sync.Mutex
	accessToken string

	tokens TokenSource
	client *clipClient
	logger *slog.Logger
}

var _ Provider = (*RemoteProvider)(nil)

// NewRemoteProvider creates a provider using accessToken. tokens is called
// back when the Remote API rejects the token.
func NewRemoteProvider(httpClient *http.Client, baseURL, username, accessToken string, tokens TokenSource, logger *slog.Logger) *RemoteProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if baseURL == "" {
		baseURL = DefaultRemoteAPIURL
	}

	p := &RemoteProvider{
		Username:    username,
		accessToken: accessToken,
		tokens:      tokens,
		client: &clipClient{
			httpClient: httpClient,
			baseURL:    strings.TrimRight(baseURL, "/") + "/clip/v2",
		},
		logger: logger.With(slog.String("component", "hue-remote")),
	}
	p.resourceOps = resourceOps{request: p.request}

	return p
}

// Mode returns ModeRemote.
func (p *RemoteProvider) Mode() models.ConnectionMode {
	return models.ModeRemote
}

// AccessToken returns the bearer token currently in use.
func (p *RemoteProvider) AccessToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessToken
}

func (p *RemoteProvider) setAccessToken(token string) {
	p.mu.Lock()
	p.accessToken = token
	p.mu.Unlock()
}

func (p *RemoteProvider) request(ctx context.Context, method, path string, payload []byte) (json.RawMessage, error) {
	ctx, _ = WithRefreshScope(ctx)
	return p.do(ctx, method, path, payload, false)
}

func (p *RemoteProvider) do(ctx context.Context, method, path string, payload []byte, isRetry bool) (json.RawMessage, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.AccessToken())
	header.Set(appKeyHeader, p.Username)

	resp, err := p.client.send(ctx, method, path, payload, header)
	if err != nil {
		return nil, err
	}

	if resp.status != http.StatusUnauthorized {
		return resp.decode(path)
	}

	if isRetry {
		metrics.RemoteRetriesTotal.WithLabelValues("rejected_again").Inc()
		e := apperr.Reconnect(apperr.CodeRemoteAuthFailed, "remote API rejected the refreshed token")
		e.Status = resp.status
		return nil, e
	}

	p.logger.Debug("remote API returned 401, refreshing token", slog.String("path", path))

	token, err := p.tokens.ForceRefresh(ctx)
	if err != nil {
		metrics.RemoteRetriesTotal.WithLabelValues("refresh_failed").Inc()
		return nil, apperr.Wrap(apperr.CodeRemoteAuthFailed, err)
	}

	p.setAccessToken(token)
	metrics.RemoteRetriesTotal.WithLabelValues("retried").Inc()

	return p.do(ctx, method, path, payload, true)
}
