package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/spinwatch/internal/delivery"
	"github.com/linnemanlabs/spinwatch/internal/incident"
)

// Metrics holds Prometheus metrics for the pipelines, the delivery engine and
// the scheduler.
type Metrics struct {
	RunsTotal            *prometheus.CounterVec
	RunDuration          *prometheus.HistogramVec
	IncidentsTotal       *prometheus.CounterVec
	DeliveriesTotal      *prometheus.CounterVec
	DeliveryAttempts     *prometheus.CounterVec
	DeliveryDuration     prometheus.Histogram
	DedupEntries         *prometheus.GaugeVec
	PersistFailuresTotal *prometheus.CounterVec
	MapRendersTotal      *prometheus.CounterVec
	SchedulerSkipsTotal  *prometheus.CounterVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spinwatch_pipeline_runs_total",
			Help: "Total pipeline runs by final status.",
		}, []string{"pipeline", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spinwatch_pipeline_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}, []string{"pipeline"}),
		IncidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spinwatch_incidents_total",
			Help: "Incidents seen by pipeline and result (new, skipped, failed).",
		}, []string{"pipeline", "result"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spinwatch_deliveries_total",
			Help: "Channel deliveries by final outcome.",
		}, []string{"outcome"}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spinwatch_delivery_attempts_total",
			Help: "Individual send attempts by status.",
		}, []string{"status"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spinwatch_delivery_duration_seconds",
			Help:    "Duration of a channel delivery including retries.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}),
		DedupEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spinwatch_dedup_entries",
			Help: "Entries currently held by each dedup store.",
		}, []string{"store"}),
		PersistFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spinwatch_dedup_persist_failures_total",
			Help: "Failed dedup store writes.",
		}, []string{"store"}),
		MapRendersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spinwatch_map_renders_total",
			Help: "Map image renders by status.",
		}, []string{"status"}),
		SchedulerSkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spinwatch_scheduler_skips_total",
			Help: "Triggers skipped because the previous run of the job was still active.",
		}, []string{"job"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.IncidentsTotal,
		m.DeliveriesTotal,
		m.DeliveryAttempts,
		m.DeliveryDuration,
		m.DedupEntries,
		m.PersistFailuresTotal,
		m.MapRendersTotal,
		m.SchedulerSkipsTotal,
	)

	return m
}

// Hooks returns pipeline Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnRunComplete: func(r *RunReport) {
			m.RunsTotal.WithLabelValues(r.Pipeline, string(r.Status)).Inc()
			m.RunDuration.WithLabelValues(r.Pipeline).Observe(r.Duration().Seconds())
		},
		OnIncident: func(pipeline, result string) {
			m.IncidentsTotal.WithLabelValues(pipeline, result).Inc()
		},
		OnStoreSize: func(store string, n int) {
			m.DedupEntries.WithLabelValues(store).Set(float64(n))
		},
		OnPersistFailure: func(store string) {
			m.PersistFailuresTotal.WithLabelValues(store).Inc()
		},
		OnMapRender: func(err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.MapRendersTotal.WithLabelValues(status).Inc()
		},
	}
}

// DeliveryHooks returns delivery.Hooks that update the delivery metrics.
func (m *Metrics) DeliveryHooks() delivery.Hooks {
	return delivery.Hooks{
		OnAttempt: func(_ incident.Channel, err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.DeliveryAttempts.WithLabelValues(status).Inc()
		},
		OnReport: func(r delivery.Report) {
			m.DeliveriesTotal.WithLabelValues(string(r.Outcome)).Inc()
			m.DeliveryDuration.Observe(r.Duration.Seconds())
		},
	}
}

// IncSchedulerSkip counts a skipped trigger of job.
func (m *Metrics) IncSchedulerSkip(job string) {
	m.SchedulerSkipsTotal.WithLabelValues(job).Inc()
}
