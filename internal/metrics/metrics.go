// Package metrics exposes prometheus counters for conversion passes.
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors. A nil *Metrics records nothing.
type Metrics struct {
	converted    *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	transforms   *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	httpDuration *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		converted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "emconv_items_converted_total",
			Help: "Items converted by bulk passes.",
		}, []string{"direction", "kind"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "emconv_items_skipped_total",
			Help: "Items skipped by bulk passes after a per-item error.",
		}, []string{"direction", "kind", "reason"}),
		transforms: f.NewCounterVec(prometheus.CounterOpts{
			Name: "emconv_transforms_total",
			Help: "Matrix decompositions and compositions.",
		}, []string{"operation", "dims"}),
		passDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "emconv_pass_duration_seconds",
			Help:    "Duration of bulk conversion passes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"direction"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "emconv_http_response_time_seconds",
			Help: "Duration of HTTP requests.",
		}, []string{"path"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "emconv_http_requests_total",
			Help: "Number of HTTP requests.",
		}, []string{"path"}),
	}
}

func (m *Metrics) ItemConverted(direction, kind string) {
	if m == nil {
		return
	}
	m.converted.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) ItemSkipped(direction, kind, reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(direction, kind, reason).Inc()
}

func (m *Metrics) Transform(operation string, is2D bool) {
	if m == nil {
		return
	}
	dims := "3d"
	if is2D {
		dims = "2d"
	}
	m.transforms.WithLabelValues(operation, dims).Inc()
}

// ObservePass records the time since start.
func (m *Metrics) ObservePass(direction string, start time.Time) {
	if m == nil {
		return
	}
	m.passDuration.WithLabelValues(direction).Observe(time.Since(start).Seconds())
}

// Middleware times HTTP requests by route path. Under a mux router the route
// template is used so path variables do not create new series.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		m.httpDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(path).Inc()
	})
}
