// Package metrics registers the pipeline's Prometheus collectors and serves
// the exposition endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry bundles every collector the pipeline emits. A nil *Registry is a
// valid no-op receiver so that library code never has to guard metric calls.
type Registry struct {
	registry *prometheus.Registry

	apiRequests         *prometheus.CounterVec
	apiRequestDuration  *prometheus.HistogramVec
	sourceFetches       *prometheus.CounterVec
	sourceFetchDuration *prometheus.HistogramVec
	resolverOutcomes    *prometheus.CounterVec
	resolverDuration    *prometheus.HistogramVec
	harvestDuration     *prometheus.HistogramVec
	summarizeDuration   *prometheus.HistogramVec
	factorsDuration     *prometheus.HistogramVec
}

// New builds a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		registry: reg,
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Outbound API requests by client and status.",
		}, []string{"client", "status"}),
		apiRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Outbound API request latency by client.",
			Buckets: prometheus.DefBuckets,
		}, []string{"client"}),
		sourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "news_source_fetch_total",
			Help: "News source fetches by source, asset, and outcome.",
		}, []string{"source", "asset", "outcome"}),
		sourceFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "news_source_fetch_duration_seconds",
			Help:    "News source fetch latency by source.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		resolverOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "news_resolver_total",
			Help: "URL resolver calls by resolver, asset, and outcome.",
		}, []string{"resolver", "asset", "outcome"}),
		resolverDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "news_resolver_duration_seconds",
			Help:    "URL resolver latency by resolver.",
			Buckets: prometheus.DefBuckets,
		}, []string{"resolver"}),
		harvestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_duration_seconds",
			Help:    "Harvest batch duration per asset.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"asset_symbol"}),
		summarizeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "summarize_duration_seconds",
			Help:    "Summarize batch duration per asset and mode.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"asset_symbol", "mode"}),
		factorsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compute_factors_duration_seconds",
			Help:    "Factor computation duration per asset.",
			Buckets: prometheus.DefBuckets,
		}, []string{"asset_symbol"}),
	}
	reg.MustRegister(
		m.apiRequests, m.apiRequestDuration,
		m.sourceFetches, m.sourceFetchDuration,
		m.resolverOutcomes, m.resolverDuration,
		m.harvestDuration, m.summarizeDuration, m.factorsDuration,
	)
	return m
}

// TrackAPIRequest counts one outbound API request.
func (m *Registry) TrackAPIRequest(client, status string) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(client, status).Inc()
}

// TrackAPIDuration observes one outbound API request latency.
func (m *Registry) TrackAPIDuration(client string, d time.Duration) {
	if m == nil {
		return
	}
	m.apiRequestDuration.WithLabelValues(client).Observe(d.Seconds())
}

// TrackSourceFetch counts one news source fetch outcome.
func (m *Registry) TrackSourceFetch(source, asset, outcome string) {
	if m == nil {
		return
	}
	m.sourceFetches.WithLabelValues(source, asset, outcome).Inc()
}

// TrackSourceFetchDuration observes one news source fetch latency.
func (m *Registry) TrackSourceFetchDuration(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.sourceFetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

// TrackResolver counts one resolver call outcome.
func (m *Registry) TrackResolver(resolver, asset, outcome string) {
	if m == nil {
		return
	}
	m.resolverOutcomes.WithLabelValues(resolver, asset, outcome).Inc()
}

// TrackResolverDuration observes one resolver call latency.
func (m *Registry) TrackResolverDuration(resolver string, d time.Duration) {
	if m == nil {
		return
	}
	m.resolverDuration.WithLabelValues(resolver).Observe(d.Seconds())
}

// TrackHarvest observes one harvest batch duration.
func (m *Registry) TrackHarvest(assetSymbol string, d time.Duration) {
	if m == nil {
		return
	}
	m.harvestDuration.WithLabelValues(assetSymbol).Observe(d.Seconds())
}

// TrackSummarize observes one summarize batch duration. Mode is
// "sequential" or "parallel".
func (m *Registry) TrackSummarize(assetSymbol, mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.summarizeDuration.WithLabelValues(assetSymbol, mode).Observe(d.Seconds())
}

// TrackComputeFactors observes one factor computation duration.
func (m *Registry) TrackComputeFactors(assetSymbol string, d time.Duration) {
	if m == nil {
		return
	}
	m.factorsDuration.WithLabelValues(assetSymbol).Observe(d.Seconds())
}

// Serve exposes /metrics and /health on addr in a background goroutine.
func (m *Registry) Serve(addr string) {
	if m == nil || addr == "" {
		return
	}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	go func() {
		if err := http.ListenAndServe(addr, r); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}
