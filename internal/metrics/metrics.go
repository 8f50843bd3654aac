package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quicktorrent"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.3, 1, 5},
	}, []string{"method", "path"})

	OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_sessions",
		Help:      "Number of torrent sessions currently registered with the engine.",
	})

	PieceEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "piece_events_total",
		Help:      "Piece events applied to piece maps by kind (verified, block) and result (pass, fail).",
	}, []string{"kind", "result"})

	PieceEventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "piece_events_dropped_total",
		Help:      "Piece events ignored because the engine reported an unusable index or size.",
	}, []string{"kind"})

	PieceMapNotificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "piece_map_notifications_total",
		Help:      "Piece-map-changed notifications delivered to observers.",
	})

	ResumeLoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resume_loads_total",
		Help:      "Fast-resume lookups at session construction by result (hit, miss, corrupt, error).",
	}, []string{"result"})

	ResumeSavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resume_saves_total",
		Help:      "Fast-resume saves by result (ok, skipped, error).",
	}, []string{"result"})

	DhtSavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dht_saves_total",
		Help:      "DHT node-set saves by result (ok, error).",
	}, []string{"result"})

	PoolInitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_init_total",
		Help:      "Resource pool initializations by result (ok, error).",
	}, []string{"result"})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all sessions.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OpenSessions,
		PieceEventsTotal,
		PieceEventsDroppedTotal,
		PieceMapNotificationsTotal,
		ResumeLoadsTotal,
		ResumeSavesTotal,
		DhtSavesTotal,
		PoolInitTotal,
		PeersConnected,
	)
}

// Result maps an error to the ok/error label used by the save counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
