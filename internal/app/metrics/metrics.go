package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperr "github.com/R3E-Network/strategy_layer/internal/errors"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "strategy_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "strategy_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "strategy_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "strategy_layer",
			Subsystem: "ops",
			Name:      "total",
			Help:      "Public operations by name and outcome kind.",
		},
		[]string{"operation", "result"},
	)

	energyUsed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "strategy_layer",
			Subsystem: "energy",
			Name:      "used_units_total",
			Help:      "Energy debited by usage reports, in raw 1e-8 units.",
		},
	)

	energyGranted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "strategy_layer",
			Subsystem: "energy",
			Name:      "granted_units_total",
			Help:      "Energy credited by refills, in raw 1e-8 units.",
		},
	)

	refillPayments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "strategy_layer",
			Subsystem: "energy",
			Name:      "refill_paid_total",
			Help:      "Refill payments in native asset units by recipient leg.",
		},
		[]string{"leg", "asset"},
	)

	scheduledTopUps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "strategy_layer",
			Subsystem: "energy",
			Name:      "capacity_top_ups_total",
			Help:      "Scheduled refill-capacity top-ups by outcome.",
		},
		[]string{"success"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		operations,
		energyUsed,
		energyGranted,
		refillPayments,
		scheduledTopUps,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordOperation counts one public operation. A nil err is recorded as "ok",
// anything else by its error kind.
func RecordOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	operations.WithLabelValues(operation, result).Inc()
}

// RecordEnergyUsed adds debited energy.
func RecordEnergyUsed(units uint64) {
	energyUsed.Add(float64(units))
}

// RecordEnergyGranted adds credited energy.
func RecordEnergyGranted(units uint64) {
	energyGranted.Add(float64(units))
}

// RecordRefillPayment adds a settled refill leg.
func RecordRefillPayment(leg, asset string, amount uint64) {
	if amount == 0 {
		return
	}
	refillPayments.WithLabelValues(leg, asset).Add(float64(amount))
}

// RecordCapacityTopUp counts one scheduled top-up attempt.
func RecordCapacityTopUp(success bool) {
	scheduledTopUps.WithLabelValues(strconv.FormatBool(success)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses identifiers so label cardinality stays bounded:
// /strategies/0xabc/owner/offer becomes /strategies/:id/owner/offer.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] == "v1" {
		parts = parts[1:]
		if len(parts) == 0 {
			return "/v1"
		}
	}
	switch parts[0] {
	case "strategies", "tokens", "holders":
		if len(parts) >= 2 {
			parts[1] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
