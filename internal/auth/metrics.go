package auth

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zenflo",
		Subsystem: "auth",
		Name:      "attempts_total",
		Help:      "Challenge-response authentication attempts by outcome.",
	}, []string{"outcome"})

	metricReplayCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zenflo",
		Subsystem: "auth",
		Name:      "replay_cache_entries",
		Help:      "Challenges currently remembered for replay protection.",
	})

	metricChainOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zenflo",
		Subsystem: "auth",
		Name:      "requests_total",
		Help:      "Requests seen by the provider chain, by deciding provider and outcome.",
	}, []string{"provider", "outcome"})

	metricRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zenflo",
		Subsystem: "auth",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-address rate limiter.",
	})
)

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrChallengeExpired):
		return "expired"
	case errors.Is(err, ErrChallengeReplayed):
		return "replayed"
	case errors.Is(err, ErrKeyNotRecognized):
		return "not_recognized"
	default:
		return "error"
	}
}
