package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zenflo",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Feed item deliveries by driver and outcome.",
	}, []string{"driver", "outcome"})

	metricDeliverDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zenflo",
		Subsystem: "notify",
		Name:      "deliver_duration_seconds",
		Help:      "Time spent delivering one item through one driver.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"driver"})

	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zenflo",
		Subsystem: "notify",
		Name:      "queue_depth",
		Help:      "Feed items waiting for a notification worker.",
	})

	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zenflo",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Feed items dropped because the notification queue was full.",
	})
)
