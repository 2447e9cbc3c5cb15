// Package metrics exposes Prometheus counters for the coordination core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Selections counts account selections per model family.
	Selections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codexproxy_selections_total",
		Help: "Account selections by model family.",
	}, []string{"family"})

	// ProbeResults counts parallel probe outcomes.
	ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codexproxy_probe_results_total",
		Help: "Parallel account probe outcomes.",
	}, []string{"outcome"})

	// RateLimitSignals counts upstream rate-limit signals by family and
	// parsed reason.
	RateLimitSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codexproxy_rate_limit_signals_total",
		Help: "Upstream rate-limit signals.",
	}, []string{"family", "reason"})

	// TokenRefreshes counts credential refresh attempts.
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codexproxy_token_refreshes_total",
		Help: "OAuth token refresh attempts.",
	}, []string{"result"})

	// PoolSize tracks the configured account count.
	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codexproxy_pool_accounts",
		Help: "Accounts currently in the pool.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
