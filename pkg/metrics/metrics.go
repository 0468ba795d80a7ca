// Package metrics exposes Prometheus counters for authentication, fetches
// and collection passes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redenergy_auth_attempts_total",
			Help: "Total number of full authentication attempts",
		},
		[]string{"result"},
	)

	tokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redenergy_token_refreshes_total",
			Help: "Total number of access token refreshes",
		},
		[]string{"result"},
	)

	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redenergy_fetches_total",
			Help: "Total number of account API fetches",
		},
		[]string{"op", "result"}, // op: "customer", "properties", "usage"
	)

	shapeAnomaliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redenergy_usage_shape_anomalies_total",
			Help: "Total number of usage payloads that matched no known shape",
		},
	)

	collectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redenergy_collection_duration_seconds",
			Help:    "Duration of a full collection pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	collectedServicesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redenergy_collected_services",
			Help: "Number of services with usage in the latest collection pass",
		},
	)
)

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// RecordAuthAttempt records a full authentication attempt.
func RecordAuthAttempt(err error) {
	authAttemptsTotal.WithLabelValues(result(err)).Inc()
}

// RecordTokenRefresh records a refresh token grant.
func RecordTokenRefresh(err error) {
	tokenRefreshesTotal.WithLabelValues(result(err)).Inc()
}

// RecordFetch records one data-fetch call.
func RecordFetch(op string, err error) {
	fetchesTotal.WithLabelValues(op, result(err)).Inc()
}

// RecordShapeAnomaly records a usage payload that was replaced with an empty
// document.
func RecordShapeAnomaly() {
	shapeAnomaliesTotal.Inc()
}

// RecordCollection records a finished collection pass.
func RecordCollection(start time.Time, services int, err error) {
	collectionDuration.WithLabelValues(result(err)).Observe(time.Since(start).Seconds())
	if err == nil {
		collectedServicesGauge.Set(float64(services))
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
