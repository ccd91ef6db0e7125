package hue

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sirdoy/pannello-stufa-sub009/internal/metrics"
)

const (
	// DefaultProbeTimeout bounds the LAN reachability check.
	DefaultProbeTimeout = 2 * time.Second

	// probePath answers 200 with a valid application key and 403 without
	// one. Either way the bridge process is alive.
	probePath = "/clip/v2/resource/bridge"

	appKeyHeader = "hue-application-key"
)

// ProbeResult describes one reachability check.
type ProbeResult struct {
	Reachable bool
	// Unauthorized is set when the bridge answered 403: alive, but it
	// rejected the stored application key.
	Unauthorized bool
	Status       int
	Elapsed      time.Duration
	Err          error
}

// NewBridgeTransport returns a transport for talking to the bridge over
// the LAN. The bridge presents a self-signed certificate, so verification
// is disabled.
func NewBridgeTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed bridge certificate
	return t
}

// BridgeProber probes the bridge with its own client and timer, independent
// of any OAuth traffic.
type BridgeProber struct {
	client  *http.Client
	timeout time.Duration
	scheme  string
	logger  *slog.Logger
}

// NewBridgeProber creates a prober. A zero timeout means DefaultProbeTimeout.
func NewBridgeProber(timeout time.Duration, logger *slog.Logger) *BridgeProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	return &BridgeProber{
		client:  &http.Client{Transport: NewBridgeTransport(), Timeout: timeout},
		timeout: timeout,
		scheme:  "https",
		logger:  logger.With(slog.String("component", "hue-probe")),
	}
}

// Probe reports whether the bridge at bridgeIP answers within the timeout.
// HTTP 200 and 403 both count as reachable.
func (p *BridgeProber) Probe(ctx context.Context, bridgeIP, appKey string) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	res := p.probe(ctx, bridgeIP, appKey)
	res.Elapsed = time.Since(start)

	switch {
	case res.Unauthorized:
		p.logger.Warn("bridge reachable but rejected application key", slog.String("bridge", bridgeIP))
		metrics.ProbeTotal.WithLabelValues("unauthorized").Inc()
	case res.Reachable:
		metrics.ProbeTotal.WithLabelValues("reachable").Inc()
	default:
		p.logger.Debug("bridge unreachable",
			slog.String("bridge", bridgeIP),
			slog.Int("status", res.Status),
			slog.Duration("elapsed", res.Elapsed),
		)
		metrics.ProbeTotal.WithLabelValues("unreachable").Inc()
	}

	return res
}

func (p *BridgeProber) probe(ctx context.Context, bridgeIP, appKey string) ProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.scheme+"://"+bridgeIP+probePath, nil)
	if err != nil {
		return ProbeResult{Err: err}
	}

	if appKey != "" {
		req.Header.Set(appKeyHeader, appKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{Err: err}
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return ProbeResult{Reachable: true, Status: resp.StatusCode}
	case http.StatusForbidden:
		return ProbeResult{Reachable: true, Unauthorized: true, Status: resp.StatusCode}
	}

	return ProbeResult{Status: resp.StatusCode}
}
