package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "The current number of registered websocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "The total number of websocket connections registered.",
	})
	DeadConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_dead_total",
		Help: "Connections dropped by the heartbeat probe.",
	})

	// Message metrics
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_received_total",
		Help: "Messages dispatched to a handler, by type.",
	}, []string{"type"})
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_dropped_total",
		Help: "Messages dropped before or during dispatch, by reason.",
	}, []string{"reason"})
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_send_failures_total",
		Help: "Failed sends to a peer connection.",
	})
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Connections closed for exceeding the message rate.",
	})

	// Pairing metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "The current number of sessions in the session table.",
	})
	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_created_total",
		Help: "Sessions created, by pairing path.",
	}, []string{"path"})
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_ended_total",
		Help: "Sessions destroyed, by reason.",
	}, []string{"reason"})
	GeoPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_geo_pool_entries",
		Help: "The current number of geo discovery pool entries.",
	})
	GeoMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_geo_matches_total",
		Help: "Approved geo requests that produced a session.",
	})
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
