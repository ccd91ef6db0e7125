package hue

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sirdoy/pannello-stufa-sub009/internal/models"
)

// LocalProvider talks to the bridge directly over the LAN.
type LocalProvider struct {
	resourceOps
	BridgeIP       string
	ApplicationKey string
	client         *clipClient
}

var _ Provider = (*LocalProvider)(nil)

// NewLocalProvider creates a provider for the bridge at bridgeIP. The
// client must tolerate the bridge's self-signed certificate; see
// NewBridgeTransport. A nil client gets one.
func NewLocalProvider(httpClient *http.Client, bridgeIP, applicationKey string) *LocalProvider {
	if httpClient == nil {
		httpClient = &http.Client{Transport: NewBridgeTransport()}
	}

	p := &LocalProvider{
		BridgeIP:       bridgeIP,
		ApplicationKey: applicationKey,
		client: &clipClient{
			httpClient: httpClient,
			baseURL:    "https://" + bridgeIP + "/clip/v2",
		},
	}
	p.resourceOps = resourceOps{request: p.request}

	return p
}

// Mode returns ModeLocal.
func (p *LocalProvider) Mode() models.ConnectionMode {
	return models.ModeLocal
}

func (p *LocalProvider) request(ctx context.Context, method, path string, payload []byte) (json.RawMessage, error) {
	header := http.Header{}
	header.Set(appKeyHeader, p.ApplicationKey)

	resp, err := p.client.send(ctx, method, path, payload, header)
	if err != nil {
		return nil, err
	}

	return resp.decode(path)
}
