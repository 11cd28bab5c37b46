package coordinator

import "github.com/prometheus/client_golang/prometheus"

var (
	phaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmill_attempt_phase_transitions_total",
			Help: "Total number of attempt phase transitions by target phase.",
		},
		[]string{"phase"},
	)

	checkpointsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmill_checkpoints_created_total",
			Help: "Total number of checkpoints taken for suspended attempts.",
		},
	)

	checkpointsRestored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmill_checkpoints_restored_total",
			Help: "Total number of checkpoints restored on resume.",
		},
	)

	protocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmill_protocol_errors_total",
			Help: "Total number of worker connections torn down by protocol errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(phaseTransitions)
	prometheus.MustRegister(checkpointsCreated)
	prometheus.MustRegister(checkpointsRestored)
	prometheus.MustRegister(protocolErrors)
}
