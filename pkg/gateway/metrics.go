package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	TokensMinted  prometheus.Counter
	TokenFailures prometheus.Counter
	JobsEnqueued  *prometheus.CounterVec
	UploadBytes   prometheus.Counter
	MintLatency   prometheus.Histogram
}

// NewMetrics builds an isolated registry so tests never collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TokensMinted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rectoc_tokens_minted_total",
			Help: "Ephemeral realtime tokens successfully minted.",
		}),
		TokenFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "rectoc_token_failures_total",
			Help: "Failed ephemeral token mint attempts.",
		}),
		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rectoc_jobs_enqueued_total",
			Help: "Background jobs enqueued, by kind.",
		}, []string{"kind"}),
		UploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "rectoc_upload_bytes_total",
			Help: "Bytes accepted through resume uploads.",
		}),
		MintLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rectoc_token_mint_seconds",
			Help:    "Latency of upstream ephemeral token mints.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
