package registry

import "github.com/prometheus/client_golang/prometheus"

var (
	acquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "registry",
			Name:      "acquire_total",
			Help:      "Handle acquisitions by result (hit, revive, load, error)",
		},
		[]string{"result"},
	)

	loadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relayd",
			Subsystem: "registry",
			Name:      "load_duration_seconds",
			Help:      "Time to create a model handle, pulls included",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300, 1800},
		},
	)

	liveHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relayd",
			Subsystem: "registry",
			Name:      "live_handles",
			Help:      "Model handles currently loaded",
		},
	)

	evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Handle evictions by reason (manual, capacity, idle, close)",
		},
		[]string{"reason"},
	)

	pullsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "pull",
			Name:      "total",
			Help:      "Pull tasks started, by result",
		},
		[]string{"result"},
	)

	pullWaiters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "pull",
			Name:      "joined_total",
			Help:      "Callers that joined an in-flight pull instead of starting one",
		},
	)
)

func init() {
	prometheus.MustRegister(acquireTotal, loadDuration, liveHandles, evictionsTotal, pullsTotal, pullWaiters)
}
