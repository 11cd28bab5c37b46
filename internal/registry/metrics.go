package registry

import "github.com/prometheus/client_golang/prometheus"

var (
	registrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmill_worker_registrations_total",
			Help: "Total number of new worker versions registered.",
		},
	)

	dedupHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmill_worker_dedup_hits_total",
			Help: "Total number of registrations short-circuited by content hash dedup.",
		},
	)
)

func init() {
	prometheus.MustRegister(registrationsTotal)
	prometheus.MustRegister(dedupHitsTotal)
}
