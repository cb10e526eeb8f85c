package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	peers    prometheus.Gauge
	sessions prometheus.Gauge
	messages prometheus.Counter
	timeouts prometheus.Counter
	election prometheus.Counter
}

// hubMetrics registers on the default registry once per process; every hub
// shares the set, which keeps the monitoring endpoint's promhttp handler
// working and repeated hub construction panic-free.
var hubMetrics = newMetrics()

func newMetrics() *metrics {
	return &metrics{
		peers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "callcoord_peers_connected",
			Help: "Number of peers currently registered with the broker.",
		}),
		sessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "callcoord_sessions_active",
			Help: "Number of sessions currently tracked by the state store.",
		}),
		messages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callcoord_messages_dispatched_total",
			Help: "Messages routed through the broker dispatch path.",
		}),
		timeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callcoord_request_timeouts_total",
			Help: "Request/reply exchanges that hit their timeout.",
		}),
		election: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callcoord_elections_total",
			Help: "Leader elections run over the peer set.",
		}),
	}
}
