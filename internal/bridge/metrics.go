package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDaemons = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zenflo",
		Subsystem: "bridge",
		Name:      "daemons_connected",
		Help:      "Daemons currently connected to this relay.",
	})

	metricActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zenflo",
		Subsystem: "bridge",
		Name:      "actions_total",
		Help:      "Device actions routed to daemons by outcome.",
	}, []string{"outcome"})
)
