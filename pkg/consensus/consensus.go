// Package consensus holds the engine-neutral interfaces the rest of the
// module programs against.
package consensus

import (
	"context"
	"time"
)

// Command is the envelope of an application log command. The meaning of
// Op and Payload belongs to the state machine (pkg/state/kv defines Set
// and Delete).
type Command struct {
	Op      string
	Payload []byte
}

// Consensus is a leader-based replicated log seen from one node.
type Consensus interface {
	Start(ctx context.Context) error
	// Apply replicates cmd and waits until this node has applied it.
	Apply(cmd Command, timeout time.Duration) error
	IsLeader() bool
	// Leader reports the leader this node currently follows; ok is false
	// during an election.
	Leader() (id string, addr string, ok bool)
	Term() uint64
	Stop() error
}

// LeaderInfo describes the known leader. An empty ID means none is known.
type LeaderInfo struct {
	ID   string
	Addr string
	Term uint64
}

// LeaderNotifier exposes leadership changes. The channel is closed when
// the engine stops; slow readers miss intermediate values.
type LeaderNotifier interface {
	LeaderCh() <-chan LeaderInfo
}

// Reconfigurer changes the voting membership one server at a time. Both
// calls are no-ops when the configuration already has the requested shape
// and return once the change is committed.
type Reconfigurer interface {
	AddVoter(ctx context.Context, id, addr string) error
	RemoveServer(ctx context.Context, id string) error
}
