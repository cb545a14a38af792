package cluster

import "github.com/cockroachdb/errors"

var (
	ErrNotLeader     = errors.New("cluster: not leader")
	ErrNoLeader      = errors.New("cluster: leader unknown")
	ErrNoRPCClient   = errors.New("cluster: no RPC client configured")
	ErrJoinRejected  = errors.New("cluster: join rejected")
	ErrLeaveRejected = errors.New("cluster: leave rejected")
	ErrStopped       = errors.New("cluster: stopped")
)

// notLeaderText is the in-band error carried by management responses from
// a node that cannot serve a leader-only request.
const notLeaderText = "not leader"
