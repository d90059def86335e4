package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "carpool"

// Evaluation outcomes.
const (
	OutcomeMatched  = "matched"
	OutcomeFinished = "ride_finished"
	OutcomeTooShort = "route_too_short"
	OutcomeLate     = "late_pick_up"
	OutcomeLongWalk = "long_walk"
)

var (
	MatchEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "match_evaluations_total", Help: "Ride/request pairs evaluated, by outcome"},
		[]string{"outcome"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time to rank matches for one request"})

	MatchesReturned = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "matches_returned",
		Help:      "Matches returned per request",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})

	JoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "joins_total", Help: "Join actions, by action"},
		[]string{"action"},
	)
	RideStatusUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ride_status_updates_total", Help: "Driver status updates applied"})
	TxRetries         = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tx_retries_total", Help: "Transactions retried after a serialization conflict"})
	WSSessions        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Open notification websockets"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
