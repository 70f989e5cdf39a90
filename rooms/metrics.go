package rooms

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var activeRooms = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "roomcap_rooms_active",
	Help: "Rooms currently managed by the supervisor",
})

var connectsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "roomcap_rooms_connects_total",
	Help: "Successful websocket connections",
})

var handshakeFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "roomcap_rooms_handshake_failures_total",
	Help: "Failed handshake fetches",
})

var reconnectsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "roomcap_rooms_disconnects_total",
	Help: "Connection losses recorded across all rooms",
})

var staleReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "roomcap_rooms_stale_reconnects_total",
	Help: "Reconnects forced by the liveness check",
}, []string{"reason"})
