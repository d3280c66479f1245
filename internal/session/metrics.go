package session

import "github.com/prometheus/client_golang/prometheus"

var (
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relayd",
			Subsystem: "session",
			Name:      "active",
			Help:      "Open streaming sessions",
		},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "Chat requests by outcome (end, error, canceled, busy, malformed, no_model)",
		},
		[]string{"outcome"},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Events queued to clients by type",
		},
		[]string{"type"},
	)

	firstTokenSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relayd",
			Subsystem: "session",
			Name:      "first_token_seconds",
			Help:      "Time from accepting a request to its first token, model acquisition included",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60},
		},
	)
)

func init() {
	prometheus.MustRegister(activeSessions, requestsTotal, eventsTotal, firstTokenSeconds)
}
