package tools

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "keel",
	Subsystem: "tools",
	Name:      "executions_total",
	Help:      "Tool executions by tool name and outcome.",
}, []string{"tool", "outcome"})

func observeExecution(tool, outcome string) {
	executionsTotal.WithLabelValues(tool, outcome).Inc()
}
