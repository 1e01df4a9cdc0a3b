package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keel",
		Subsystem: "router",
		Name:      "completions_total",
		Help:      "LLM completions by provider and outcome.",
	}, []string{"provider", "outcome"})

	completionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keel",
		Subsystem: "router",
		Name:      "completion_duration_seconds",
		Help:      "LLM completion latency.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"provider"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keel",
		Subsystem: "router",
		Name:      "tokens_total",
		Help:      "Tokens consumed by provider and direction.",
	}, []string{"provider", "direction"})
)

func observeCompletion(provider, outcome string, d time.Duration) {
	completionsTotal.WithLabelValues(provider, outcome).Inc()
	if outcome == "ok" {
		completionDuration.WithLabelValues(provider).Observe(d.Seconds())
	}
}

func observeTokens(provider string, input, output int64) {
	tokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	tokensTotal.WithLabelValues(provider, "output").Add(float64(output))
}
