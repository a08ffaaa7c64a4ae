package push

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zenflo",
		Subsystem: "push",
		Name:      "sends_total",
		Help:      "Web Push sends by outcome.",
	}, []string{"outcome"})

	metricSubscriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zenflo",
		Subsystem: "push",
		Name:      "subscription_changes_total",
		Help:      "Push subscription registrations and removals.",
	}, []string{"change"})
)
