// Package metrics exposes Prometheus metrics for the sync pipeline, the
// record cache and the HTTP API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync metrics

	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "painel_sync_runs_total",
			Help: "Sync runs by type and status",
		},
		[]string{"sync_type", "status"},
	)

	SyncRecordsAddedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "painel_sync_records_added_total",
			Help: "Call records inserted into the local store",
		},
		[]string{"sync_type"},
	)

	SyncRecordsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "painel_sync_records_dropped_total",
			Help: "Upstream rows dropped during normalization",
		},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "painel_sync_duration_seconds",
			Help:    "Duration of sync runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"sync_type"},
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "painel_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful sync",
		},
	)

	StoredRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "painel_stored_records",
			Help: "Call records held by the current cache snapshot",
		},
	)

	// Cache metrics

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "painel_cache_lookups_total",
			Help: "Dataset lookups by result (hit, reload, cold_start, stale, empty)",
		},
		[]string{"result"},
	)

	// Upstream metrics

	UpstreamBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "painel_upstream_breaker_state",
			Help: "Upstream circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"source"},
	)

	// API metrics

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "painel_api_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "painel_api_request_duration_seconds",
			Help:    "HTTP API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	AlertsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "painel_alerts_sent_total",
			Help: "Failure alerts by delivery result",
		},
		[]string{"result"},
	)
)

// Lookup results
const (
	LookupHit       = "hit"
	LookupReload    = "reload"
	LookupColdStart = "cold_start"
	LookupStale     = "stale"
	LookupEmpty     = "empty"
)

// RecordSync records the outcome of one sync run.
func RecordSync(syncType string, success bool, added int, dropped int, d time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	SyncRunsTotal.WithLabelValues(syncType, status).Inc()
	SyncDuration.WithLabelValues(syncType).Observe(d.Seconds())
	if !success {
		return
	}
	SyncRecordsAddedTotal.WithLabelValues(syncType).Add(float64(added))
	SyncRecordsDroppedTotal.Add(float64(dropped))
	SyncLastSuccess.SetToCurrentTime()
}

func RecordLookup(result string) {
	CacheLookupsTotal.WithLabelValues(result).Inc()
}

func SetStoredRecords(n int) {
	StoredRecords.Set(float64(n))
}

func SetBreakerState(source string, state int) {
	UpstreamBreakerState.WithLabelValues(source).Set(float64(state))
}

func RecordAPIRequest(route string, code string, d time.Duration) {
	APIRequestsTotal.WithLabelValues(route, code).Inc()
	APIRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func RecordAlert(delivered bool) {
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	AlertsSentTotal.WithLabelValues(result).Inc()
}
