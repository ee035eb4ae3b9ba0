package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubevault_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"method", "route", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tubevault_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubevault_tasks_dispatched_total",
		Help: "Tasks handed to background processing, by dispatcher and result",
	}, []string{"dispatcher", "result"})

	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubevault_tasks_processed_total",
		Help: "Processed tasks by item kind and outcome",
	}, []string{"kind", "result"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tubevault_metadata_fetch_duration_seconds",
		Help:    "Time spent fetching item metadata",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind"})

	SSEClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tubevault_sse_clients",
		Help: "Open server-sent event streams",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency. Routes are labelled by
// their chi pattern so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
