package mcpmanager

import "github.com/prometheus/client_golang/prometheus"

// Prometheus collectors for dispatcher/pool state, declared the way
// cuemby-warren's pkg/metrics/metrics.go declares its gauges — package
// vars registered once, updated by whichever component observes the
// underlying state change.
var (
	activeWorkersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpmanager_active_workers",
			Help: "Number of active workers, by lane.",
		},
		[]string{"lane"},
	)

	standbyWorkersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpmanager_standby_workers",
			Help: "Number of standby workers, by lane.",
		},
		[]string{"lane"},
	)

	queueWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcpmanager_queue_wait_seconds",
			Help:    "Time from submit to placement.",
			Buckets: prometheus.DefBuckets,
		},
	)

	salvageTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpmanager_salvage_total",
			Help: "Number of tasks re-placed after a worker died.",
		},
	)

	resultTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpmanager_result_total",
			Help: "Terminal results, by outcome kind.",
		},
		[]string{"kind"},
	)
)

// RegisterMetrics registers the package's collectors with reg. Call once
// per process (a *prometheus.Registry, or prometheus.DefaultRegisterer).
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		activeWorkersGauge,
		standbyWorkersGauge,
		queueWaitSeconds,
		salvageTotal,
		resultTotal,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
