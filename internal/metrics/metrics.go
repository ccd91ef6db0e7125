// Package metrics defines Prometheus metrics for Hue connectivity.
//
// All metrics live on a dedicated registry served at /metrics, so tests
// and multiple servers in one process never collide on the default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric below plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	// TokenRefreshTotal counts OAuth refresh attempts by outcome code
	// ("ok" on success).
	TokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pannello_hue_token_refresh_total",
			Help: "Total OAuth refresh calls by outcome.",
		},
		[]string{"outcome"},
	)

	// TokenCacheHitsTotal counts access tokens served without a refresh,
	// by where they came from (memory or persisted).
	TokenCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pannello_hue_token_cache_hits_total",
			Help: "Total access tokens served from cache.",
		},
		[]string{"source"},
	)

	// ProbeTotal counts local reachability probes by result.
	ProbeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pannello_hue_probe_total",
			Help: "Total local bridge reachability probes by result.",
		},
		[]string{"result"},
	)

	// ProviderResolutionsTotal counts provider resolutions by chosen mode,
	// or by error code when resolution failed.
	ProviderResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pannello_hue_provider_resolutions_total",
			Help: "Total provider resolutions by mode or failure code.",
		},
		[]string{"mode"},
	)

	// RemoteRetriesTotal counts 401-triggered retries by outcome.
	RemoteRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pannello_hue_remote_retries_total",
			Help: "Total remote API requests retried after a 401, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		TokenRefreshTotal,
		TokenCacheHitsTotal,
		ProbeTotal,
		ProviderResolutionsTotal,
		RemoteRetriesTotal,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
