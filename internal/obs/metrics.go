package obs

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clubfund.org/internal/stream"
)

// HTTP-level metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Escrow domain metrics, fed from the event bus.
var (
	activitiesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrow_activities_created_total",
		Help: "Activities created.",
	})

	depositsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrow_deposits_total",
		Help: "Deposits accepted.",
	})

	depositedUnits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrow_deposited_units_total",
		Help: "Token units deposited (minor units).",
	})

	resolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_resolutions_total",
			Help: "Activity resolutions by outcome.",
		},
		[]string{"outcome"},
	)

	tokensDeployed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "factory_tokens_deployed_total",
		Help: "Tokens deployed by the factory.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		activitiesCreated, depositsTotal, depositedUnits, resolutionsTotal,
		tokensDeployed,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBus subscribes to the escrow event log and keeps the domain
// counters current until ctx ends.
func ObserveBus(ctx context.Context, bus *stream.Bus) {
	ch := bus.Subscribe(ctx)
	go func() {
		for evt := range ch {
			switch evt.Type {
			case stream.TypeDeploy:
				tokensDeployed.Inc()
			case stream.TypeCreate:
				activitiesCreated.Inc()
			case stream.TypeDeposit:
				depositsTotal.Inc()
				depositedUnits.Add(float64(evt.Amount))
			case stream.TypeDistribute:
				if evt.Resolved {
					resolutionsTotal.WithLabelValues("distributed").Inc()
				}
			case stream.TypeRefund:
				if evt.Resolved {
					resolutionsTotal.WithLabelValues("refunded").Inc()
				}
			}
		}
	}()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpInFlight.Dec()
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
