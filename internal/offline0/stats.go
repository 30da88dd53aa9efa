package offline0

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	registry *prometheus.Registry

	fetches       *prometheus.CounterVec
	servedBytes   prometheus.Counter
	events        *prometheus.HistogramVec
	pushes        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	cachesDeleted prometheus.Counter
	state         prometheus.Gauge
	clients       prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		// Fetch results by X-Offline0 value (hit|miss|bypass|bad-gateway).
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offline0_fetch_total",
			Help: "Intercepted requests by result",
		}, []string{"result"}),
		servedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline0_cache_served_bytes_total",
			Help: "Body bytes served from the cache",
		}),
		events: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "offline0_event_duration_seconds",
			Help:    "Time until a dispatched event settled",
			Buckets: prometheus.DefBuckets,
		}, []string{"event", "result"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offline0_push_messages_total",
			Help: "Push messages received by payload kind (json|text)",
		}, []string{"kind"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offline0_notifications_total",
			Help: "Notification actions (shown|clicked|closed)",
		}, []string{"action"}),
		cachesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline0_caches_deleted_total",
			Help: "Stale cache generations removed during activation",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offline0_worker_state",
			Help: "Lifecycle state (0 uninstalled, 1 installing, 2 installed, 3 activating, 4 active)",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offline0_clients",
			Help: "Connected client pages",
		}),
	}
	m.registry.MustRegister(
		m.fetches,
		m.servedBytes,
		m.events,
		m.pushes,
		m.notifications,
		m.cachesDeleted,
		m.state,
		m.clients,
	)
	return m
}

func (m *metrics) observeFetch(result string, bodyBytes int) {
	m.fetches.WithLabelValues(result).Inc()
	if result == "hit" {
		m.servedBytes.Add(float64(bodyBytes))
	}
}

func (m *metrics) observeEvent(name string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.events.WithLabelValues(name, result).Observe(d.Seconds())
}
