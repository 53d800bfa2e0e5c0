package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Workflow transition metrics.
var (
	authorizationTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authorization_transitions_total",
			Help: "Authorization workflow transitions by kind and outcome.",
		},
		[]string{"transition", "outcome"},
	)

	officersRecalculated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "officers_recalculated_total",
		Help: "Officer assignments rewritten by office recalculation.",
	})

	recalculationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "office_recalculation_duration_seconds",
		Help:    "Office recalculation latencies in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(authorizationTransitions, officersRecalculated, recalculationDuration)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountTransition records one authorization workflow transition.
func CountTransition(transition string, success bool) {
	outcome := "ok"
	if !success {
		outcome = "failed"
	}
	authorizationTransitions.WithLabelValues(transition, outcome).Inc()
}

// CountRecalculated adds n rewritten officer assignments.
func CountRecalculated(n int) {
	if n > 0 {
		officersRecalculated.Add(float64(n))
	}
}

// ObserveRecalculation records the wall time of one recalculation pass.
func ObserveRecalculation(start time.Time) {
	recalculationDuration.Observe(time.Since(start).Seconds())
}
