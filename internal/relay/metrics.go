package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRoomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercall_rooms_created_total",
		Help: "Number of call rooms created.",
	})
	metricRoomsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercall_rooms_ended_total",
		Help: "Number of call rooms marked ended.",
	})
	metricMessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_messages_relayed_total",
		Help: "Signaling messages relayed, by message kind.",
	}, []string{"kind"})
	metricActiveSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peercall_active_sockets",
		Help: "Currently connected WebSocket clients.",
	})
)
