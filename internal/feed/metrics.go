package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zenflo",
		Subsystem: "feed",
		Name:      "appends_total",
		Help:      "Feed appends by outcome (created, replayed, error).",
	}, []string{"outcome"})
	metricNotifyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zenflo",
		Subsystem: "feed",
		Name:      "notify_errors_total",
		Help:      "Failed post-commit notifications by notifier.",
	}, []string{"notifier"})
	metricHubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zenflo",
		Subsystem: "feed",
		Name:      "live_subscribers",
		Help:      "Open live-update subscriptions.",
	})
	metricHubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zenflo",
		Subsystem: "feed",
		Name:      "live_dropped_total",
		Help:      "Items dropped for slow live subscribers.",
	})
)
