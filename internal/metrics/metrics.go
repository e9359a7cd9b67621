// Package metrics exposes Prometheus collectors for the ledger.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dish_drop"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Duration of ledger transactions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation"},
	)

	mealsDonated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "meals_donated_total",
			Help:      "Meals credited by newly applied donation events.",
		},
		[]string{"source"},
	)

	sponsorshipCompletions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sponsorships",
			Name:      "completions_total",
			Help:      "Flash sponsorships that reached their goal.",
		},
	)

	reconcileDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "global_drift_meals",
			Help:      "Stored global total minus the donation event sum at the last reconciliation.",
		},
	)

	reconcileDriftedAccounts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "drifted_accounts",
			Help:      "Accounts whose donated total disagreed with their events at the last reconciliation.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		operations,
		operationDuration,
		mealsDonated,
		sponsorshipCompletions,
		reconcileDrift,
		reconcileDriftedAccounts,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Outcome maps an operation error to a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid"
	default:
		return "rejected"
	}
}

// RecordOperation records one ledger transaction.
func RecordOperation(operation string, err error, duration time.Duration) {
	operations.WithLabelValues(operation, Outcome(err)).Inc()
	operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDonation counts meals from a newly applied donation event.
func RecordDonation(source domain.DonationSource, meals int64) {
	if meals <= 0 {
		return
	}
	mealsDonated.WithLabelValues(string(source)).Add(float64(meals))
}

// RecordSponsorshipCompleted counts one goal completion.
func RecordSponsorshipCompleted() {
	sponsorshipCompletions.Inc()
}

// RecordReconciliation publishes the last reconciliation result.
func RecordReconciliation(report domain.ReconciliationReport) {
	reconcileDrift.Set(float64(report.Drift()))
	reconcileDriftedAccounts.Set(float64(report.DriftedAccounts))
}

// InstrumentHandler wraps the router with HTTP metrics labelled by route pattern.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
