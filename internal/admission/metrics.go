package admission

import "github.com/prometheus/client_golang/prometheus"

var (
	admissionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmill_admissions_total",
			Help: "Total number of attempts admitted to execution.",
		},
	)

	admissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmill_admission_rejections_total",
			Help: "Total number of admission rejections by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(admissionsTotal)
	prometheus.MustRegister(admissionRejections)
}
