package scheduler

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	electionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypier_scheduler_elections_total",
			Help: "Leader election events by outcome",
		},
		[]string{"outcome"},
	)

	leaderGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skypier_scheduler_is_leader",
			Help: "Whether this worker currently holds the scheduler leader lease",
		},
	)

	jobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypier_scheduler_job_runs_total",
			Help: "Job loop cycles by job and status",
		},
		[]string{"job", "status"},
	)
)

func recordElection(outcome string) {
	electionsTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func setLeaderGauge(leading bool) {
	if leading {
		leaderGauge.Set(1)
	} else {
		leaderGauge.Set(0)
	}
}

func recordJobRun(job, status string) {
	jobRunsTotal.WithLabelValues(normalizeLabel(job), normalizeLabel(status)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
