package cluster

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-raft/pkg/applier"
	raftcons "github.com/amirimatin/go-raft/pkg/consensus/raft"
	"github.com/amirimatin/go-raft/pkg/observability/tracing"
	"github.com/amirimatin/go-raft/pkg/state"
	"github.com/amirimatin/go-raft/pkg/state/kv"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// Put stores value under key through the replicated log.
func (c *Cluster) Put(ctx context.Context, key string, value []byte) error {
	cmd, err := kv.SetCommand(key, value)
	if err != nil {
		return err
	}
	_, _, err = c.Propose(ctx, cmd)
	return err
}

// Delete removes key through the replicated log.
func (c *Cluster) Delete(ctx context.Context, key string) error {
	cmd, err := kv.DeleteCommand(key)
	if err != nil {
		return err
	}
	_, _, err = c.Propose(ctx, cmd)
	return err
}

// Get reads key from this node's state machine. The value may lag the
// leader's.
func (c *Cluster) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		val   []byte
		found bool
	)
	err := c.node.Read(ctx, func(sm applier.StateMachine) error {
		st, ok := sm.(state.Store)
		if !ok {
			return errors.Newf("cluster: state machine %T does not serve reads", sm)
		}
		val, found = st.Get(key)
		return nil
	})
	return val, found, err
}

// Propose commits an encoded command and returns its index and the state
// machine's result. If this node is not the leader, the command is
// forwarded to the leader's management endpoint, following one redirect.
func (c *Cluster) Propose(ctx context.Context, cmd []byte) (uint64, []byte, error) {
	if c.node.IsLeader() {
		r, err := c.node.Propose(ctx, cmd)
		switch {
		case err == nil:
			return r.Index, r.Data, r.Err
		case !errors.Is(err, raftcons.ErrNotLeader):
			return 0, nil, err
		}
	}
	if c.rpcC == nil {
		return 0, nil, ErrNotLeader
	}
	addr := c.leaderMgmtAddr()
	if addr == "" {
		return 0, nil, ErrNoLeader
	}
	ctx, end := tracing.StartSpan(ctx, "cluster.forwardPropose")
	defer end()
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.rpcC.PostPropose(ctx, addr, transport.ProposeRequest{Command: cmd})
		if err == nil && resp.Error != "" {
			err = errors.New(resp.Error)
		}
		if err == nil {
			return resp.Index, resp.Data, nil
		}
		if !isNotLeader(err) {
			return 0, nil, err
		}
		if resp.Leader == "" || resp.Leader == addr {
			return 0, nil, ErrNotLeader
		}
		addr = resp.Leader
	}
	return 0, nil, ErrNotLeader
}

func (c *Cluster) handlePropose(ctx context.Context, req transport.ProposeRequest) (transport.ProposeResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "cluster.handlePropose")
	defer end()
	if !c.node.IsLeader() {
		return transport.ProposeResponse{Leader: c.leaderMgmtAddr(), Error: notLeaderText}, nil
	}
	r, err := c.node.Propose(ctx, req.Command)
	if errors.Is(err, raftcons.ErrNotLeader) {
		return transport.ProposeResponse{Leader: c.leaderMgmtAddr(), Error: notLeaderText}, nil
	}
	if err != nil {
		return transport.ProposeResponse{}, err
	}
	if r.Err != nil {
		return transport.ProposeResponse{Index: r.Index, Error: r.Err.Error()}, nil
	}
	return transport.ProposeResponse{Index: r.Index, Data: r.Data}, nil
}

func (c *Cluster) handleRead(ctx context.Context, req transport.ReadRequest) (transport.ReadResponse, error) {
	v, ok, err := c.Get(ctx, req.Key)
	if err != nil {
		return transport.ReadResponse{}, err
	}
	return transport.ReadResponse{Value: v, Found: ok}, nil
}

func isNotLeader(err error) bool {
	return errors.Is(err, ErrNotLeader) || strings.Contains(err.Error(), notLeaderText)
}
