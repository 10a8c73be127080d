package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "familyaccess_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "familyaccess_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	tokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "familyaccess_tokens_issued_total",
		Help: "Total number of family access tokens issued.",
	})

	validationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "familyaccess_validations_total",
		Help: "Family access validation attempts by outcome.",
	}, []string{"outcome"})

	activeTokens = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "familyaccess_active_tokens",
		Help: "Number of currently valid (unrevoked, unexpired, unexhausted) tokens.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, tokensIssuedTotal, validationsTotal, activeTokens)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)
	})
}
