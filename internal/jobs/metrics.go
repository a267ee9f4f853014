package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	mismatches *prometheus.CounterVec
	gaps       *prometheus.CounterVec
	lowStock   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddLedgerMismatches counts products whose ledger no longer replays to the cached stock.
func (m *Metrics) AddLedgerMismatches(storeID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mismatches.WithLabelValues(formatInt(storeID)).Add(float64(count))
}

// AddDeductionGaps counts sale items found without their stock deduction.
func (m *Metrics) AddDeductionGaps(storeID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.gaps.WithLabelValues(formatInt(storeID)).Add(float64(count))
}

// AddLowStockAlert counts a delivered low stock alert.
func (m *Metrics) AddLowStockAlert(pool string) {
	if m == nil {
		return
	}
	m.lowStock.WithLabelValues(pool).Inc()
}

func formatInt(v int64) string {
	if v <= 0 {
		return "0"
	}
	return strconv.FormatInt(v, 10)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	mismatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_ledger_mismatches_total",
		Help: "Products whose ledger replay disagreed with the cached stock.",
	}, []string{"store"})
	gaps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_deduction_gaps_total",
		Help: "Sale items detected without a matching stock deduction.",
	}, []string{"store"})
	lowStock := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_low_stock_alerts_total",
		Help: "Low stock alerts processed by pool.",
	}, []string{"stock_type"})
	registerer.MustRegister(runs, failures, duration, mismatches, gaps, lowStock)
	return &Metrics{runs: runs, failures: failures, duration: duration, mismatches: mismatches, gaps: gaps, lowStock: lowStock}
}
