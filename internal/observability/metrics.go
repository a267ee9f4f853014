package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus collectors of the POS runtime.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	movements       *prometheus.CounterVec
	stockConflicts  prometheus.Counter
	deductionFails  *prometheus.CounterVec
	sales           *prometheus.CounterVec
	returnedUnits   *prometheus.CounterVec
}

// NewMetrics initialises the registry with HTTP and ledger collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_http_request_duration_seconds",
		Help:    "HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_stock_movements_total",
		Help: "Ledger entries committed by movement type and stock pool.",
	}, []string{"type", "stock_type"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pos_stock_update_conflicts_total",
		Help: "Conditional stock writes that lost against a concurrent writer.",
	})
	deductionFails := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_sale_deduction_failures_total",
		Help: "Sale items whose stock deduction failed after the sale was persisted.",
	}, []string{"reason"})
	sales := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_sales_total",
		Help: "Sale lifecycle transitions by resulting payment status.",
	}, []string{"status"})
	returned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_returned_units_total",
		Help: "Units returned by return type.",
	}, []string{"return_type"})
	registry.MustRegister(requests, duration, movements, conflicts, deductionFails, sales, returned)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		movements:       movements,
		stockConflicts:  conflicts,
		deductionFails:  deductionFails,
		sales:           sales,
		returnedUnits:   returned,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for collectors owned by other packages.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveMovement counts a committed ledger entry.
func (m *Metrics) ObserveMovement(movementType, pool string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(movementType, pool).Inc()
}

// ObserveStockConflict counts a lost conditional stock write.
func (m *Metrics) ObserveStockConflict() {
	if m == nil {
		return
	}
	m.stockConflicts.Inc()
}

// ObserveDeductionFailure counts a sale item left without its deduction.
func (m *Metrics) ObserveDeductionFailure(reason string) {
	if m == nil {
		return
	}
	m.deductionFails.WithLabelValues(reason).Inc()
}

// ObserveSale counts a sale reaching status.
func (m *Metrics) ObserveSale(status string) {
	if m == nil {
		return
	}
	m.sales.WithLabelValues(status).Inc()
}

// ObserveReturn counts returned units.
func (m *Metrics) ObserveReturn(returnType string, units int) {
	if m == nil || units <= 0 {
		return
	}
	m.returnedUnits.WithLabelValues(returnType).Add(float64(units))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
