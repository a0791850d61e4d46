package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypier_upstream_call_attempts_total",
			Help: "Protected call attempts per endpoint",
		},
		[]string{"endpoint"},
	)

	callOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypier_upstream_call_outcomes_total",
			Help: "Protected call outcomes per endpoint and status",
		},
		[]string{"endpoint", "status"},
	)
)

func recordAttempt(endpoint string) {
	callAttemptsTotal.WithLabelValues(endpoint).Inc()
}

func recordCall(endpoint, status string) {
	callOutcomesTotal.WithLabelValues(endpoint, status).Inc()
}
