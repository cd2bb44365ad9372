package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgecoder_queue_depth",
		Help: "Number of tasks currently queued.",
	})
	registeredAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgecoder_registered_agents",
		Help: "Number of registered agents.",
	})
	tasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecoder_tasks_completed_total",
		Help: "Count of tasks completed successfully.",
	})
	tasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecoder_tasks_failed_total",
		Help: "Count of tasks that ended in a failed state.",
	})
	tasksRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecoder_tasks_requeued_total",
		Help: "Count of claimed tasks returned to the queue.",
	})
	claimRacesResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecoder_claim_races_resolved_total",
		Help: "Count of task claim races that selected a winner.",
	})
	agentsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecoder_agents_reaped_total",
		Help: "Count of agents removed for missing heartbeats.",
	})
	tasksForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecoder_tasks_forwarded_total",
		Help: "Count of tasks forwarded to federated coordinators.",
	})
)
