package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loginOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypier_session_login_outcomes_total",
			Help: "Login coordination outcomes by status",
		},
		[]string{"status"},
	)

	captchaTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skypier_session_captcha_tokens_total",
			Help: "Action proof tokens served, split by cache hit or upstream mint",
		},
		[]string{"source"},
	)
)

func recordLogin(status string) {
	loginOutcomesTotal.WithLabelValues(status).Inc()
}

func recordCaptcha(source string) {
	captchaTokensTotal.WithLabelValues(source).Inc()
}
