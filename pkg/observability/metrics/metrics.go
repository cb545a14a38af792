package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_raft",
		Name:      "members_total",
		Help:      "Number of members in the active cluster configuration",
	})

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_raft",
		Name:      "is_leader",
		Help:      "1 if this node is the leader, else 0",
	})

	Term = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_raft",
		Name:      "term",
		Help:      "Current term observed by this node",
	})

	LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_raft",
		Name:      "leader_changes_total",
		Help:      "Total number of observed leader change events",
	})

	ElectionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_raft",
		Name:      "elections_started_total",
		Help:      "Total number of elections started by this node",
	})

	JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_raft",
		Name:      "join_requests_total",
		Help:      "Total join requests handled by this node",
	}, []string{"result"})

	CommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_raft",
		Subsystem: "log",
		Name:      "commit_index",
		Help:      "Highest log index known to be committed",
	})
	AppliedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_raft",
		Subsystem: "log",
		Name:      "applied_index",
		Help:      "Highest log index applied to the state machine",
	})
	LastIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_raft",
		Subsystem: "log",
		Name:      "last_index",
		Help:      "Index of the last entry in the local log",
	})
	AppendRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_raft",
		Subsystem: "log",
		Name:      "append_rejects_total",
		Help:      "Total appendEntries requests rejected by this node",
	}, []string{"reason"})
	Truncations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_raft",
		Subsystem: "log",
		Name:      "truncations_total",
		Help:      "Total number of log suffix truncations",
	})

	RPCFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_raft",
		Subsystem: "rpc",
		Name:      "failures_total",
		Help:      "Total outbound RPCs that failed or timed out",
	}, []string{"rpc"})
	RPCSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_raft",
		Subsystem: "rpc",
		Name:      "sent_total",
		Help:      "Total outbound RPCs issued",
	}, []string{"rpc"})

	Proposals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_raft",
		Name:      "proposals_total",
		Help:      "Client proposals by outcome",
	}, []string{"result"})

	Snapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_raft",
		Name:      "snapshots_total",
		Help:      "Snapshots captured, saved and installed",
	}, []string{"kind"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_raft",
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_raft",
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_raft",
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_raft",
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ClusterMembers)
		prometheus.MustRegister(IsLeader)
		prometheus.MustRegister(Term)
		prometheus.MustRegister(LeaderChanges)
		prometheus.MustRegister(ElectionsStarted)
		prometheus.MustRegister(JoinRequests)
		// log
		prometheus.MustRegister(CommitIndex)
		prometheus.MustRegister(AppliedIndex)
		prometheus.MustRegister(LastIndex)
		prometheus.MustRegister(AppendRejects)
		prometheus.MustRegister(Truncations)
		// rpc
		prometheus.MustRegister(RPCFailures)
		prometheus.MustRegister(RPCSent)
		prometheus.MustRegister(Proposals)
		prometheus.MustRegister(Snapshots)
		prometheus.MustRegister(GRPCConnDials)
		prometheus.MustRegister(GRPCConnReuse)
		prometheus.MustRegister(GRPCConnEvictions)
		prometheus.MustRegister(GRPCConnActive)
	})
}
