// Package telemetry exposes Prometheus metrics for token refreshes, sync runs
// and outbound FHIR requests, plus HTTP request metrics for the read API.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ehrlink",
			Name:      "token_refresh_total",
			Help:      "Token refresh attempts by outcome.",
		},
		[]string{"outcome"},
	)

	SyncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ehrlink",
			Name:      "sync_runs_total",
			Help:      "Link sync runs by outcome (success, partial, failed, cancelled).",
		},
		[]string{"outcome"},
	)

	SyncedResources = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ehrlink",
			Name:      "synced_resources_total",
			Help:      "Timeline entries upserted by resource type.",
		},
		[]string{"resource_type"},
	)

	SyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ehrlink",
		Name:      "sync_duration_seconds",
		Help:      "Wall time of one link sync run.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	FHIRRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ehrlink",
			Name:      "fhir_request_duration_seconds",
			Help:      "Latency of outbound FHIR API calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"resource_type", "status"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ehrlink",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ehrlink",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Register adds all collectors to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		TokenRefreshes, SyncRuns, SyncedResources, SyncDuration,
		FHIRRequestDuration, httpRequests, httpDuration,
	)
}

// Handler serves the Prometheus exposition format for the default gatherer.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

// HTTPMiddleware records request counts and latency by route template.
func HTTPMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			labels := []string{c.Request().Method, route, strconv.Itoa(status)}
			httpRequests.WithLabelValues(labels...).Inc()
			httpDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
