package raftcons

import (
	"log"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"

	"github.com/amirimatin/go-raft/pkg/applier"
	"github.com/amirimatin/go-raft/pkg/raftlog"
	"github.com/amirimatin/go-raft/pkg/snapshot"
	"github.com/amirimatin/go-raft/pkg/transport"
)

const (
	DefaultElectionTimeoutMin  = 300 * time.Millisecond
	DefaultElectionTimeoutMax  = 600 * time.Millisecond
	DefaultHeartbeatInterval   = 100 * time.Millisecond
	DefaultTickInterval        = 20 * time.Millisecond
	DefaultMaxEntriesPerAppend = 64
	DefaultApplyTimeout        = 5 * time.Second
)

// Options configure a Node. Zero durations and sizes take the defaults above.
type Options struct {
	// NodeID is this node's member ID. It must be unique in the cluster.
	NodeID string
	Logger *log.Logger

	// InitialMembers seeds index 0 of an empty log. Nodes joining an
	// existing cluster start with an empty list and learn the configuration
	// from the leader. Ignored when LogStore already holds entries.
	InitialMembers []raftlog.Member

	// Election timeouts are drawn uniformly from [Min, Max] on every
	// transition into follower or candidate.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// HeartbeatInterval must be shorter than ElectionTimeoutMin.
	HeartbeatInterval time.Duration
	// TickInterval is how often the Node drives timers. Tests calling tick
	// directly ignore it.
	TickInterval        time.Duration
	MaxEntriesPerAppend int
	// RPCTimeout abandons outstanding calls; defaults to ElectionTimeoutMin.
	RPCTimeout time.Duration
	// SnapshotTimeout abandons installSnapshot calls, which carry a whole
	// image. Defaults to ApplyTimeout and is never below RPCTimeout.
	SnapshotTimeout time.Duration

	// SnapshotEntries triggers a snapshot and compaction every N applied
	// entries. Zero disables automatic snapshots.
	SnapshotEntries uint64
	// CompactionOverhead is how many applied entries stay in the log after
	// compaction, so slightly lagging followers avoid a snapshot transfer.
	CompactionOverhead uint64

	// MaxProposalRate limits client proposals per second. Zero is unlimited.
	MaxProposalRate float64
	ApplyTimeout    time.Duration

	// StateMachine builds an empty application state machine. Nil selects
	// the key/value store in pkg/state/kv.
	StateMachine func() applier.StateMachine

	// LogStore and StableStore persist entries and term/vote. Nil selects
	// in-memory stores.
	LogStore    raft.LogStore
	StableStore raft.StableStore
	// SnapshotStore keeps captured snapshots for recovery. Without one,
	// a durable LogStore is never compacted.
	SnapshotStore *snapshot.Store

	Transport transport.Transport

	// Now and RandomTimeout replace the clock and election timeout
	// generator, for deterministic tests.
	Now           func() time.Time
	RandomTimeout func() time.Duration

	durableLog bool
}

// Validate checks required fields and timing relations. It does not modify o.
func (o Options) Validate() error {
	if o.NodeID == "" {
		return errors.Wrap(ErrInvalidConfig, "empty NodeID")
	}
	if o.Transport == nil {
		return errors.Wrap(ErrInvalidConfig, "nil Transport")
	}
	if len(o.InitialMembers) > 0 {
		if err := (raftlog.ClusterConfig{Members: o.InitialMembers}).Validate(); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "initial members: %v", err)
		}
	}
	d := o.withDefaults()
	if d.ElectionTimeoutMin > d.ElectionTimeoutMax {
		return errors.Wrapf(ErrInvalidConfig, "election timeout min %v above max %v", d.ElectionTimeoutMin, d.ElectionTimeoutMax)
	}
	if d.HeartbeatInterval >= d.ElectionTimeoutMin {
		return errors.Wrapf(ErrInvalidConfig, "heartbeat interval %v not below election timeout %v", d.HeartbeatInterval, d.ElectionTimeoutMin)
	}
	if o.MaxProposalRate < 0 {
		return errors.Wrap(ErrInvalidConfig, "negative MaxProposalRate")
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.ElectionTimeoutMin <= 0 {
		o.ElectionTimeoutMin = DefaultElectionTimeoutMin
	}
	if o.ElectionTimeoutMax <= 0 {
		o.ElectionTimeoutMax = DefaultElectionTimeoutMax
		if o.ElectionTimeoutMax < o.ElectionTimeoutMin {
			o.ElectionTimeoutMax = 2 * o.ElectionTimeoutMin
		}
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
		if o.HeartbeatInterval >= o.ElectionTimeoutMin {
			o.HeartbeatInterval = o.ElectionTimeoutMin / 3
		}
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.MaxEntriesPerAppend <= 0 {
		o.MaxEntriesPerAppend = DefaultMaxEntriesPerAppend
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = o.ElectionTimeoutMin
	}
	if o.ApplyTimeout <= 0 {
		o.ApplyTimeout = DefaultApplyTimeout
	}
	if o.SnapshotTimeout <= 0 {
		o.SnapshotTimeout = o.ApplyTimeout
	}
	if o.SnapshotTimeout < o.RPCTimeout {
		o.SnapshotTimeout = o.RPCTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.RandomTimeout == nil {
		lo, hi := o.ElectionTimeoutMin, o.ElectionTimeoutMax
		o.RandomTimeout = func() time.Duration {
			if hi <= lo {
				return lo
			}
			return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
		}
	}
	if o.LogStore == nil {
		o.LogStore = raft.NewInmemStore()
	} else if _, mem := o.LogStore.(*raft.InmemStore); !mem {
		o.durableLog = true
	}
	if o.StableStore == nil {
		o.StableStore = raft.NewInmemStore()
	}
	return o
}
