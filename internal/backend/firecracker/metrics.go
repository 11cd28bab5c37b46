package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for instance outcomes.
const (
	outcomeBooted = "booted"
	outcomeFailed = "failed"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskmill_firecracker_vm_boot_seconds",
			Help:    "Duration from VM start to worker agent reachable, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmill_firecracker_active_instances",
			Help: "Number of currently running worker microVMs.",
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskmill_firecracker_vm_cleanup_seconds",
			Help:    "Duration of VM stop and network teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	instancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmill_firecracker_instances_total",
			Help: "Total worker microVM launches by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeInstances)
	prometheus.MustRegister(vmCleanupDuration)
	prometheus.MustRegister(instancesTotal)

	// Pre-initialize label combinations so they report 0 from startup.
	instancesTotal.WithLabelValues(outcomeBooted)
	instancesTotal.WithLabelValues(outcomeFailed)
}
