// Package cluster wraps a consensus node with a management API: status,
// join and leave, and key/value writes that followers forward to the leader.
package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lni/goutils/syncutil"

	"github.com/amirimatin/go-raft/pkg/consensus"
	raftcons "github.com/amirimatin/go-raft/pkg/consensus/raft"
	"github.com/amirimatin/go-raft/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/observability/tracing"
	"github.com/amirimatin/go-raft/pkg/raftlog"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// Facade exposes the high-level API for consumers.
type Facade interface {
	Start(ctx context.Context) error
	Join(ctx context.Context, seed string) error
	Leave(ctx context.Context) error
	Status(ctx context.Context) (*ClusterStatus, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Stop(ctx context.Context) error
	LeaderCh() <-chan consensus.LeaderInfo
}

// Cluster is the concrete implementation of the Facade.
type Cluster struct {
	opts    Options
	node    Engine
	rpcS    transport.RPCServer
	rpcC    transport.RPCClient
	eb      eventBus
	lch     chan consensus.LeaderInfo
	stopper *syncutil.Stopper

	mu  sync.Mutex
	run struct {
		started bool
		closed  bool
	}
}

// New constructs a Cluster from validated options. It performs no network
// activity; call Start to launch the node.
func New(ctx context.Context, opts Options) (*Cluster, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &Cluster{
		opts:    opts,
		node:    opts.Node,
		rpcS:    opts.RPCServer,
		rpcC:    opts.RPCClient,
		lch:     make(chan consensus.LeaderInfo, 16),
		stopper: syncutil.NewStopper(),
	}, nil
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error {
	return c.Stop(context.Background())
}

// Start launches the consensus node and the management endpoint.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run.closed {
		return ErrStopped
	}
	if c.run.started {
		return nil
	}
	c.run.started = true
	obsmetrics.Register()
	if err := c.node.Start(ctx); err != nil {
		return err
	}
	if c.rpcS != nil {
		statusFn := func(ctx context.Context) ([]byte, error) { return c.statusLocalJSON(ctx) }
		if err := c.rpcS.Start(ctx, statusFn, c.handleJoin, c.handleLeave, c.handlePropose, c.handleRead); err != nil {
			return err
		}
		logutil.Infof(c.opts.Logger, "management endpoint listening at %s (status/kv/metrics/healthz)", c.rpcS.Addr())
	}
	members := c.node.Status().Members
	c.stopper.RunWorker(c.leaderLoop)
	c.stopper.RunWorker(func() { c.watchLoop(members) })
	return nil
}

func (c *Cluster) leaderLoop() {
	lch := c.node.LeaderCh()
	for {
		select {
		case <-c.stopper.ShouldStop():
			return
		case li, ok := <-lch:
			if !ok {
				return
			}
			logutil.Infof(c.opts.Logger, "leader change observed: id=%s term=%d", li.ID, li.Term)
			liCopy := li
			c.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Leader: &liCopy, Term: li.Term})
			if c.opts.OnLeaderChange != nil {
				c.opts.OnLeaderChange(liCopy)
			}
			select {
			case c.lch <- li:
			default:
			}
			if li.ID == c.opts.NodeID {
				c.advertise()
			}
		}
	}
}

// watchLoop publishes membership events as the active configuration changes.
func (c *Cluster) watchLoop(prev []raftlog.Member) {
	ticker := time.NewTicker(c.opts.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopper.ShouldStop():
			return
		case now := <-ticker.C:
			cur := c.node.Status().Members
			for _, ev := range memberEvents(prev, cur, now) {
				logutil.Infof(c.opts.Logger, "membership %s: id=%s addr=%s", ev.Type, ev.Member.ID, ev.Member.Addr)
				c.eb.publish(ev)
			}
			prev = cur
		}
	}
}

// advertise records this node's management address in its own member entry
// so followers can forward requests to it. It runs when this node becomes
// leader and gives up once leadership is lost.
func (c *Cluster) advertise() {
	mgmt := c.mgmtAddr()
	if mgmt == "" {
		return
	}
	for c.node.IsLeader() {
		self, ok := lookupMember(c.node.Status().Members, c.opts.NodeID)
		if !ok || self.Meta[MetaMgmt] == mgmt {
			return
		}
		meta := map[string]string{MetaMgmt: mgmt}
		for k, v := range self.Meta {
			if k != MetaMgmt {
				meta[k] = v
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReconfigureTimeout)
		err := c.reconfigure(ctx, func(ctx context.Context) error {
			return c.node.AddMember(ctx, raftlog.Member{ID: self.ID, Addr: self.Addr, Meta: meta})
		})
		cancel()
		if err == nil {
			logutil.Infof(c.opts.Logger, "advertised management address %s", mgmt)
			return
		}
		logutil.Warnf(c.opts.Logger, "advertise management address: %v", err)
		select {
		case <-c.stopper.ShouldStop():
			return
		case <-time.After(c.opts.WatchInterval):
		}
	}
}

// reconfigure retries fn while another configuration change is pending.
func (c *Cluster) reconfigure(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if !errors.Is(err, raftcons.ErrConfigChangePending) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Join asks the leader to add this node as a voting member. When seed is
// given, the leader is resolved through the seed's status endpoint;
// otherwise the leader known to this node is used.
func (c *Cluster) Join(ctx context.Context, seed string) error {
	if c.rpcC == nil {
		return ErrNoRPCClient
	}
	ctx, end := tracing.StartSpan(ctx, "cluster.join")
	defer end()
	addr := seed
	if addr == "" {
		addr = c.leaderMgmtAddr()
	} else if data, err := c.rpcC.GetStatus(ctx, seed); err == nil {
		var st ClusterStatus
		if json.Unmarshal(data, &st) == nil && st.LeaderAddr != "" {
			addr = st.LeaderAddr
		}
	}
	if addr == "" {
		return ErrNoLeader
	}
	req := transport.JoinRequest{ID: c.opts.NodeID, RaftAddr: c.opts.RaftAddr, MgmtAddr: c.mgmtAddr()}
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.rpcC.PostJoin(ctx, addr, req)
		if err == nil && !resp.Accepted {
			err = rejected(resp.Error, ErrJoinRejected)
		}
		if err == nil {
			logutil.Infof(c.opts.Logger, "joined cluster via %s", addr)
			return nil
		}
		if !isNotLeader(err) || resp.Leader == "" || resp.Leader == addr {
			return err
		}
		addr = resp.Leader
	}
	return ErrNotLeader
}

// Leave removes this node from the configuration. A leader removes itself
// and steps down once the change commits.
func (c *Cluster) Leave(ctx context.Context) error {
	if c.node.IsLeader() {
		resp, err := c.handleLeave(ctx, transport.LeaveRequest{ID: c.opts.NodeID})
		if err == nil && !resp.Accepted {
			err = rejected(resp.Error, ErrLeaveRejected)
		}
		return err
	}
	if c.rpcC == nil {
		return ErrNoRPCClient
	}
	addr := c.leaderMgmtAddr()
	if addr == "" {
		return ErrNoLeader
	}
	resp, err := c.rpcC.PostLeave(ctx, addr, transport.LeaveRequest{ID: c.opts.NodeID})
	if err == nil && !resp.Accepted {
		err = rejected(resp.Error, ErrLeaveRejected)
	}
	return err
}

func rejected(text string, sentinel error) error {
	switch text {
	case "":
		return sentinel
	case notLeaderText:
		return ErrNotLeader
	default:
		return errors.Wrap(sentinel, text)
	}
}

// Status returns this node's view. Reads of followers may lag the leader.
func (c *Cluster) Status(ctx context.Context) (*ClusterStatus, error) {
	st := c.node.Status()
	s := &ClusterStatus{
		NodeID:      c.opts.NodeID,
		Role:        st.Role,
		Term:        st.Term,
		LeaderID:    st.Leader,
		CommitIndex: st.CommitIndex,
		Applied:     st.Applied,
		LastIndex:   st.LastIndex,
		Members:     st.Members,
	}
	if st.Leader != "" {
		s.Healthy = true
		s.LeaderAddr = c.mgmtAddrOf(st.Members, st.Leader)
		if s.LeaderAddr == "" {
			s.Warnings = append(s.Warnings, "leader management address unknown")
		}
	}
	if _, ok := lookupMember(st.Members, c.opts.NodeID); !ok {
		s.Warnings = append(s.Warnings, "not a member of the active configuration")
	}
	return s, nil
}

func (c *Cluster) statusLocalJSON(ctx context.Context) ([]byte, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

// Stop shuts down the management server, the consensus node and Closers.
func (c *Cluster) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.run.closed {
		c.mu.Unlock()
		return nil
	}
	c.run.closed = true
	started := c.run.started
	c.mu.Unlock()
	if started && c.rpcS != nil {
		_ = c.rpcS.Stop(ctx)
	}
	err := c.node.Stop()
	c.stopper.Stop()
	close(c.lch)
	for i := len(c.opts.Closers) - 1; i >= 0; i-- {
		if cerr := c.opts.Closers[i].Close(); cerr != nil {
			logutil.Warnf(c.opts.Logger, "close: %v", cerr)
		}
	}
	return err
}

// LeaderCh delivers leadership changes observed by this node. It is closed
// by Stop.
func (c *Cluster) LeaderCh() <-chan consensus.LeaderInfo { return c.lch }

// mgmtAddr is the management address this node advertises.
func (c *Cluster) mgmtAddr() string {
	if c.opts.MgmtAddr != "" {
		return c.opts.MgmtAddr
	}
	if c.rpcS != nil {
		return c.rpcS.Addr()
	}
	return ""
}

// leaderMgmtAddr returns the management address of the leader known to
// this node, or "".
func (c *Cluster) leaderMgmtAddr() string {
	st := c.node.Status()
	if st.Leader == "" {
		return ""
	}
	return c.mgmtAddrOf(st.Members, st.Leader)
}

func (c *Cluster) mgmtAddrOf(members []raftlog.Member, id string) string {
	if id == c.opts.NodeID {
		return c.mgmtAddr()
	}
	if m, ok := lookupMember(members, id); ok {
		return m.Meta[MetaMgmt]
	}
	return ""
}

func lookupMember(members []raftlog.Member, id string) (raftlog.Member, bool) {
	for _, m := range members {
		if m.ID == id {
			return m, true
		}
	}
	return raftlog.Member{}, false
}

func (c *Cluster) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "cluster.handleJoin")
	defer end()
	if req.ID == "" {
		obsmetrics.JoinRequests.WithLabelValues("invalid").Inc()
		return transport.JoinResponse{Error: "empty node id"}, nil
	}
	// Only leader accepts join requests
	if !c.node.IsLeader() {
		obsmetrics.JoinRequests.WithLabelValues("rejected").Inc()
		logutil.Warnf(c.opts.Logger, "join rejected (not leader): id=%s", req.ID)
		return transport.JoinResponse{Leader: c.leaderMgmtAddr(), Error: notLeaderText}, nil
	}
	m := raftlog.Member{ID: req.ID, Addr: req.RaftAddr}
	if req.MgmtAddr != "" {
		m.Meta = map[string]string{MetaMgmt: req.MgmtAddr}
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ReconfigureTimeout)
	defer cancel()
	err := c.reconfigure(ctx, func(ctx context.Context) error { return c.node.AddMember(ctx, m) })
	if err != nil {
		obsmetrics.JoinRequests.WithLabelValues("failed").Inc()
		logutil.Errorf(c.opts.Logger, "add member failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
		if errors.Is(err, raftcons.ErrNotLeader) {
			return transport.JoinResponse{Leader: c.leaderMgmtAddr(), Error: notLeaderText}, nil
		}
		return transport.JoinResponse{Error: err.Error()}, nil
	}
	obsmetrics.JoinRequests.WithLabelValues("accepted").Inc()
	logutil.Infof(c.opts.Logger, "join accepted: id=%s addr=%s", req.ID, req.RaftAddr)
	return transport.JoinResponse{Accepted: true}, nil
}

func (c *Cluster) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "cluster.handleLeave")
	defer end()
	if !c.node.IsLeader() {
		logutil.Warnf(c.opts.Logger, "leave rejected (not leader): id=%s", req.ID)
		return transport.LeaveResponse{Leader: c.leaderMgmtAddr(), Error: notLeaderText}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ReconfigureTimeout)
	defer cancel()
	err := c.reconfigure(ctx, func(ctx context.Context) error { return c.node.RemoveMember(ctx, req.ID) })
	if err != nil {
		logutil.Warnf(c.opts.Logger, "remove member failed: id=%s err=%v", req.ID, err)
		return transport.LeaveResponse{Error: err.Error()}, nil
	}
	logutil.Infof(c.opts.Logger, "leave accepted: id=%s", req.ID)
	return transport.LeaveResponse{Accepted: true}, nil
}

var _ Facade = (*Cluster)(nil)
