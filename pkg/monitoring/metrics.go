// Package monitoring exposes Prometheus metrics and health status for the loader.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Service name for metrics and health
	ServiceName = "poiloader"

	// CacheTypeResponse labels the on-disk Overpass response cache
	CacheTypeResponse = "overpass_response"
)

var (
	// Load metrics
	LoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poiloader_loads_total",
			Help: "Total number of pipeline loads by outcome",
		},
		[]string{"category", "status"},
	)

	LoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poiloader_load_duration_seconds",
			Help:    "Pipeline load duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"category"},
	)

	RecordsIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poiloader_records_indexed_total",
			Help: "Records accepted by the index",
		},
		[]string{"category"},
	)

	RecordsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poiloader_records_rejected_total",
			Help: "Records refused by the index",
		},
		[]string{"category"},
	)

	ElementsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poiloader_elements_dropped_total",
			Help: "Response elements that produced no record, by reason",
		},
		[]string{"category", "reason"},
	)

	// External service metrics
	ExternalServiceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poiloader_external_service_requests_total",
			Help: "Total number of external service requests",
		},
		[]string{"service", "operation", "status"},
	)

	ExternalServiceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poiloader_external_service_request_duration_seconds",
			Help:    "External service request duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service", "operation"},
	)

	RateLimitWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poiloader_rate_limit_wait_duration_seconds",
			Help:    "Time spent waiting for rate limits",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"service"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poiloader_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poiloader_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poiloader_cache_size",
			Help: "Current number of items in cache",
		},
		[]string{"cache_type"},
	)

	// MCP request metrics
	MCPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poiloader_mcp_requests_total",
			Help: "Total number of MCP requests processed",
		},
		[]string{"tool", "status"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poiloader_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordLoad records the outcome of one pipeline load
func RecordLoad(category string, duration time.Duration, success bool, indexed, rejected int64) {
	LoadsTotal.WithLabelValues(category, statusLabel(success)).Inc()
	LoadDuration.WithLabelValues(category).Observe(duration.Seconds())
	RecordsIndexed.WithLabelValues(category).Add(float64(indexed))
	RecordsRejected.WithLabelValues(category).Add(float64(rejected))
}

// RecordDropped adds count dropped elements for reason
func RecordDropped(category, reason string, count int) {
	if count <= 0 {
		return
	}
	ElementsDropped.WithLabelValues(category, reason).Add(float64(count))
}

func RecordExternalServiceRequest(service, operation string, duration time.Duration, success bool) {
	ExternalServiceRequestsTotal.WithLabelValues(service, operation, statusLabel(success)).Inc()
	ExternalServiceRequestDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

func RecordRateLimitWait(service string, duration time.Duration) {
	RateLimitWaitTime.WithLabelValues(service).Observe(duration.Seconds())
}

func RecordCacheHit(cacheType string) {
	CacheHits.WithLabelValues(cacheType).Inc()
}

func RecordCacheMiss(cacheType string) {
	CacheMisses.WithLabelValues(cacheType).Inc()
}

func UpdateCacheSize(cacheType string, size int) {
	CacheSize.WithLabelValues(cacheType).Set(float64(size))
}

func RecordMCPRequest(tool string, success bool) {
	MCPRequestsTotal.WithLabelValues(tool, statusLabel(success)).Inc()
}

func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
