package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecoder_mesh_messages_accepted_total",
		Help: "Gossip messages accepted by the validation pipeline.",
	}, []string{"type"})
	messagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecoder_mesh_messages_rejected_total",
		Help: "Gossip messages rejected by the validation pipeline.",
	}, []string{"reason"})
	messagesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecoder_mesh_messages_forwarded_total",
		Help: "Gossip messages relayed to peers.",
	})
	knownPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgecoder_mesh_known_peers",
		Help: "Peers currently in the mesh peer table.",
	})
)
