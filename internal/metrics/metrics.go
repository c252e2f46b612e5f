// Package metrics exposes the proxy's Prometheus series (spec's
// supplemented `/metrics` feature): per-model routing decisions, queue
// depth, credential pool health, and failover counters.
//
// Grounded on sawpanic-cryptorun's internal/telemetry/metrics package
// (promauto.NewGaugeVec/NewCounterVec registration style, one file per
// concern) adapted into this project's domain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ModelRoutingEnabled, ModelRoutingDecisionsTotal, ModelRoutingFailoversTotal,
	// ModelRoutingCooldownsActive and ModelRoutingOverridesActive are the five
	// glm_proxy_model_routing_* series the admin /metrics endpoint must expose.
	ModelRoutingEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "glm_proxy_model_routing_enabled",
			Help: "1 when model routing is enabled, else 0.",
		},
	)

	ModelRoutingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glm_proxy_model_routing_decisions_total",
			Help: "Routing decisions made by the model router, by tier.",
		},
		[]string{"tier"},
	)

	ModelRoutingFailoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "glm_proxy_model_routing_failovers_total",
			Help: "Model failovers triggered by a cooled-down or exhausted upstream model.",
		},
	)

	ModelRoutingFailoverWarmupTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "glm_proxy_model_routing_failover_warmup_total",
			Help: "Model failovers that occurred during the router's startup warmup window.",
		},
	)

	ModelRoutingCooldownsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "glm_proxy_model_routing_cooldowns_active",
			Help: "Current number of models under an active routing cooldown.",
		},
	)

	ModelRoutingOverridesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "glm_proxy_model_routing_overrides_active",
			Help: "Current number of saved per-model routing overrides.",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "glm_proxy_queue_depth",
			Help: "Current number of requests waiting in the request queue.",
		},
	)

	QueueWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "glm_proxy_queue_wait_seconds",
			Help:    "Time requests spent waiting in the request queue before a slot opened.",
			Buckets: prometheus.DefBuckets,
		},
	)

	CredentialInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glm_proxy_credential_inflight",
			Help: "In-flight request count per credential.",
		},
		[]string{"credential_id", "provider"},
	)

	CredentialBreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glm_proxy_credential_breaker_open",
			Help: "1 when a credential's circuit breaker is open, else 0.",
		},
		[]string{"credential_id", "provider"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "glm_proxy_upstream_request_duration_seconds",
			Help:    "Latency of dispatched upstream attempts, by provider and outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "outcome"},
	)

	PoolCooldownActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glm_proxy_pool_cooldown_active",
			Help: "1 when a (provider, model) pool is currently in a rate-limit cooldown, else 0.",
		},
		[]string{"provider", "model"},
	)
)
