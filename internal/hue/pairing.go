package hue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	apperr "github.com/sirdoy/pannello-stufa-sub009/internal/errors"
	"github.com/sirdoy/pannello-stufa-sub009/internal/models"
	"github.com/tidwall/gjson"
)

// linkButtonNotPressed is the v1 API error type returned while the user
// has not pressed the bridge's link button.
const linkButtonNotPressed = 101

// Pairer registers this application with a bridge on the LAN.
type Pairer struct {
	store  Store
	client *http.Client
	scheme string
	events *Events
	now    func() time.Time
	logger *slog.Logger
}

// NewPairer creates a Pairer. A nil client gets one that accepts the
// bridge's self-signed certificate.
func NewPairer(store Store, client *http.Client, events *Events, logger *slog.Logger) *Pairer {
	if client == nil {
		client = &http.Client{Transport: NewBridgeTransport(), Timeout: 10 * time.Second}
	}

	return &Pairer{
		store:  store,
		client: client,
		scheme: "https",
		events: events,
		now:    time.Now,
		logger: logger.With(slog.String("component", "hue-pairing")),
	}
}

// Pair asks the bridge at bridgeIP for an application key and persists it
// together with the bridge address. The user must have pressed the link
// button shortly before; otherwise LINK_BUTTON_NOT_PRESSED is returned and
// the call can simply be repeated.
func (p *Pairer) Pair(ctx context.Context, bridgeIP, deviceType string) (models.ConnectivityRecord, error) {
	if bridgeIP == "" {
		return models.ConnectivityRecord{}, apperr.New(apperr.CodeInvalidArgument, "bridge address is required")
	}

	host := bridgeIP
	if h, _, err := net.SplitHostPort(bridgeIP); err == nil {
		host = h
	}
	if net.ParseIP(host) == nil {
		return models.ConnectivityRecord{}, apperr.Newf(apperr.CodeInvalidArgument, "invalid bridge address %q", bridgeIP)
	}

	if deviceType == "" {
		deviceType = "pannello#server"
	}

	payload, err := json.Marshal(map[string]any{
		"devicetype":        deviceType,
		"generateclientkey": true,
	})
	if err != nil {
		return models.ConnectivityRecord{}, fmt.Errorf("marshalling pairing request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.scheme+"://"+bridgeIP+"/api", bytes.NewReader(payload))
	if err != nil {
		return models.ConnectivityRecord{}, fmt.Errorf("creating pairing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return models.ConnectivityRecord{}, apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("contacting bridge: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ConnectivityRecord{}, apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("reading pairing response: %w", err))
	}

	if !gjson.ValidBytes(body) {
		return models.ConnectivityRecord{}, apperr.Newf(apperr.CodeInvalidResponse, "bridge returned non-JSON body (status %d)", resp.StatusCode)
	}

	if e := gjson.GetBytes(body, "0.error"); e.Exists() {
		if e.Get("type").Int() == linkButtonNotPressed {
			return models.ConnectivityRecord{}, apperr.New(apperr.CodeLinkButtonNotPressed, "press the link button on the bridge and retry")
		}
		return models.ConnectivityRecord{}, apperr.Newf(apperr.CodeBridgeError, "bridge refused pairing: %s", e.Get("description").String())
	}

	username := gjson.GetBytes(body, "0.success.username").String()
	clientKey := gjson.GetBytes(body, "0.success.clientkey").String()
	if username == "" {
		return models.ConnectivityRecord{}, apperr.New(apperr.CodeInvalidResponse, "bridge response had no username")
	}

	current, err := p.store.Get(ctx)
	if err != nil {
		return models.ConnectivityRecord{}, apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("reading connectivity record: %w", err))
	}

	mode := models.ModeLocal
	if current.HasRemote() {
		mode = models.ModeHybrid
	}

	rec, err := p.store.Update(ctx, models.ConnectivityPatch{
		BridgeIP:       models.Ptr(bridgeIP),
		Username:       models.Ptr(username),
		ClientKey:      models.Ptr(clientKey),
		ConnectedAt:    models.Ptr(p.now().UnixMilli()),
		ConnectionMode: models.Ptr(mode),
	})
	if err != nil {
		return models.ConnectivityRecord{}, apperr.Wrap(apperr.CodeNetworkError, fmt.Errorf("persisting bridge credentials: %w", err))
	}

	p.events.Publish(Event{Mode: mode, Reason: "bridge_paired", At: p.now().UnixMilli()})
	p.logger.Info("bridge paired", slog.String("bridge", bridgeIP))

	return rec, nil
}
