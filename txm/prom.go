package txm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var promSubmissions = promauto.NewCounterVec(
	prometheus.CounterOpts{Name: "relay_submissions_total", Help: "Meta-transaction submissions by outcome"},
	[]string{"outcome"},
)

var promResubmissions = promauto.NewCounter(
	prometheus.CounterOpts{Name: "relay_resubmissions_total", Help: "Gas-bumped resubmissions"},
)

var promInflight = promauto.NewGauge(
	prometheus.GaugeOpts{Name: "relay_inflight", Help: "Records awaiting confirmation"},
)

var promTerminal = promauto.NewCounterVec(
	prometheus.CounterOpts{Name: "relay_terminal_total", Help: "Records reaching a terminal state"},
	[]string{"state", "reason"},
)
