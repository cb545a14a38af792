package cluster

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-raft/pkg/applier"
	"github.com/amirimatin/go-raft/pkg/consensus"
	raftcons "github.com/amirimatin/go-raft/pkg/consensus/raft"
	"github.com/amirimatin/go-raft/pkg/raftlog"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// MetaMgmt is the member metadata key holding a node's management address.
const MetaMgmt = "mgmt"

// Engine is the consensus node a Cluster drives. *raftcons.Node implements it.
type Engine interface {
	consensus.Consensus
	consensus.LeaderNotifier
	Propose(ctx context.Context, cmd []byte) (applier.Result, error)
	Read(ctx context.Context, fn func(sm applier.StateMachine) error) error
	AddMember(ctx context.Context, m raftlog.Member) error
	RemoveMember(ctx context.Context, id string) error
	Status() raftcons.Status
}

// Options carries the components assembled by bootstrap.Config.
type Options struct {
	// NodeID must match the engine's node id.
	NodeID string
	// RaftAddr is the peer transport address advertised when joining.
	RaftAddr string
	// MgmtAddr is the management address advertised to other nodes. It
	// defaults to the RPC server's listen address.
	MgmtAddr string
	Node     Engine
	Logger   *log.Logger

	// Optional management RPC. Without a client, writes are only accepted
	// on the leader.
	RPCServer transport.RPCServer
	RPCClient transport.RPCClient

	// ReconfigureTimeout bounds join and leave handling (default 5s).
	ReconfigureTimeout time.Duration
	// WatchInterval is how often the membership view is refreshed (default 100ms).
	WatchInterval time.Duration

	OnLeaderChange func(info consensus.LeaderInfo)

	// Closers are closed in reverse order after the node stops, e.g. the
	// peer transport and storage backends.
	Closers []io.Closer
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
	if o.NodeID == "" {
		return errors.New("cluster: empty NodeID")
	}
	if o.Node == nil {
		return errors.New("cluster: nil Node")
	}
	if o.Logger == nil {
		return errors.New("cluster: nil Logger")
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.ReconfigureTimeout <= 0 {
		o.ReconfigureTimeout = 5 * time.Second
	}
	if o.WatchInterval <= 0 {
		o.WatchInterval = 100 * time.Millisecond
	}
	return o
}
