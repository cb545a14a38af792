// Package raftcons is a Raft consensus engine. A core holds the role state
// machine and is only touched by one task; Node runs that task, drives its
// timers and exposes the consensus interfaces.
package raftcons

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/juju/ratelimit"
	"github.com/lni/goutils/syncutil"

	"github.com/amirimatin/go-raft/pkg/applier"
	c "github.com/amirimatin/go-raft/pkg/consensus"
	"github.com/amirimatin/go-raft/pkg/internal/logutil"
	"github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/observability/tracing"
	"github.com/amirimatin/go-raft/pkg/raftlog"
)

// Status is a point-in-time view of a node.
type Status struct {
	ID          string           `json:"id"`
	Role        string           `json:"role"`
	Term        uint64           `json:"term"`
	Leader      string           `json:"leader,omitempty"`
	LeaderAddr  string           `json:"leaderAddr,omitempty"`
	CommitIndex uint64           `json:"commitIndex"`
	Applied     uint64           `json:"applied"`
	FirstIndex  uint64           `json:"firstIndex"`
	LastIndex   uint64           `json:"lastIndex"`
	Members     []raftlog.Member `json:"members"`
}

// Node implements consensus.Consensus over the Raft core.
type Node struct {
	opts    Options
	log     *log.Logger
	core    *core
	inbox   chan func()
	stopper *syncutil.Stopper
	limiter *ratelimit.Bucket
	lch     chan c.LeaderInfo
	status  atomic.Value // Status
	// notify holds completions released after the next publish, so a
	// caller that is woken up already sees the state that woke it.
	notify []func()

	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates opts and restores durable state. Nothing runs before Start.
func New(opts Options) (*Node, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	core, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	n := &Node{
		opts:    opts,
		log:     opts.Logger,
		core:    core,
		inbox:   make(chan func(), 256),
		stopper: syncutil.NewStopper(),
		lch:     make(chan c.LeaderInfo, 16),
	}
	if opts.MaxProposalRate > 0 {
		capacity := int64(opts.MaxProposalRate)
		if capacity < 1 {
			capacity = 1
		}
		n.limiter = ratelimit.NewBucketWithRate(opts.MaxProposalRate, capacity)
	}
	core.dispatch = n.dispatch
	core.onLeader = n.leaderChanged
	n.publish()
	return n, nil
}

// Start registers with the transport and starts the event loop. The node
// stops when ctx is canceled.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if n.started {
		return nil
	}
	if err := n.core.register(); err != nil {
		return err
	}
	n.started = true
	logutil.Infof(n.log, "raftcons: %s starting in term %d with %d members", n.opts.NodeID, n.core.term(), len(n.core.log.Config().Members))
	n.stopper.RunWorker(n.run)
	n.stopper.RunWorker(func() {
		select {
		case <-ctx.Done():
			go func() { _ = n.Stop() }()
		case <-n.stopper.ShouldStop():
		}
	})
	return nil
}

func (n *Node) run() {
	ticker := time.NewTicker(n.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopper.ShouldStop():
			n.core.shutdown()
			n.publish()
			n.flush()
			return
		case f := <-n.inbox:
			f()
		case <-ticker.C:
			n.core.tick()
		}
		n.publish()
		n.flush()
	}
}

func (n *Node) flush() {
	for _, f := range n.notify {
		f()
	}
	n.notify = nil
}

// dispatch queues f for the loop. After Stop, f is dropped.
func (n *Node) dispatch(f func()) {
	select {
	case n.inbox <- f:
	case <-n.stopper.ShouldStop():
	}
}

// submit runs f on the loop, failing when the node is not running.
func (n *Node) submit(f func()) error {
	n.mu.Lock()
	running := n.started && !n.stopped
	n.mu.Unlock()
	if !running {
		return ErrStopped
	}
	select {
	case n.inbox <- f:
		return nil
	case <-n.stopper.ShouldStop():
		return ErrStopped
	}
}

func (n *Node) publish() {
	core := n.core
	st := Status{
		ID:          core.id,
		Role:        core.role.String(),
		Term:        core.term(),
		Leader:      core.leaderID,
		CommitIndex: core.commit,
		Applied:     core.app.CommitIndex(),
		FirstIndex:  core.log.FirstIndex(),
		LastIndex:   core.log.LastIndex(),
		Members:     core.log.Config().Members,
	}
	if core.leaderID != "" {
		if m, ok := core.log.Config().Lookup(core.leaderID); ok {
			st.LeaderAddr = m.Addr
		}
	}
	n.status.Store(st)
}

// Status returns the state as of the last processed event.
func (n *Node) Status() Status { return n.status.Load().(Status) }

func (n *Node) leaderChanged(id string, term uint64) {
	li := c.LeaderInfo{ID: id, Term: term}
	if id != "" {
		if m, ok := n.core.log.Config().Lookup(id); ok {
			li.Addr = m.Addr
		}
	}
	select {
	case n.lch <- li:
	default:
		// drop to avoid blocking; last-writer-wins semantics are ok for leadership
	}
}

type outcome struct {
	res applier.Result
	err error
}

// wait runs a core operation and waits for its callback.
func (n *Node) wait(ctx context.Context, op func(done func(applier.Result, error))) (applier.Result, error) {
	ch := make(chan outcome, 1)
	done := func(r applier.Result, err error) {
		n.notify = append(n.notify, func() { ch <- outcome{r, err} })
	}
	if err := n.submit(func() { op(done) }); err != nil {
		return applier.Result{}, err
	}
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return applier.Result{}, ctx.Err()
	case <-n.stopper.ShouldStop():
		// The loop fails pending proposals on its way out.
		select {
		case o := <-ch:
			return o.res, o.err
		case <-time.After(time.Second):
			return applier.Result{}, ErrStopped
		}
	}
}

// Propose replicates cmd and returns the state machine's result once it is
// applied on this node. The proposal may still commit after ctx expires.
func (n *Node) Propose(ctx context.Context, cmd []byte) (applier.Result, error) {
	if len(cmd) == 0 {
		return applier.Result{}, errors.Wrap(ErrMalformedCommand, "empty command")
	}
	if n.limiter != nil && n.limiter.TakeAvailable(1) == 0 {
		metrics.Proposals.WithLabelValues("rate_limited").Inc()
		return applier.Result{}, ErrRateLimited
	}
	st := n.Status()
	ctx, end := tracing.StartNodeSpan(ctx, "raft.propose", st.ID, st.Term)
	defer end()
	return n.wait(ctx, func(done func(applier.Result, error)) {
		n.core.propose(raftlog.KindCommand, cmd, done)
	})
}

// Apply proposes a consensus.Command and reports the state machine's error.
func (n *Node) Apply(cmd c.Command, timeout time.Duration) error {
	if cmd.Op == "" {
		return errors.Wrap(ErrMalformedCommand, "empty op")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(ErrMalformedCommand, err.Error())
	}
	if timeout <= 0 {
		timeout = n.opts.ApplyTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	r, err := n.Propose(ctx, data)
	if err != nil {
		return err
	}
	return r.Err
}

// Read runs fn against the state machine on the loop, so it never races
// with application or snapshot installation. Reads are local and may lag
// the leader.
func (n *Node) Read(ctx context.Context, fn func(sm applier.StateMachine) error) error {
	_, err := n.wait(ctx, func(done func(applier.Result, error)) {
		done(applier.Result{}, fn(n.core.app.StateMachine()))
	})
	return err
}

// AddMember adds or updates a voting member.
func (n *Node) AddMember(ctx context.Context, m raftlog.Member) error {
	_, err := n.wait(ctx, func(done func(applier.Result, error)) {
		cfg := n.core.log.Config()
		if cur, ok := cfg.Lookup(m.ID); ok && cur.Addr == m.Addr && metaEqual(cur.Meta, m.Meta) {
			done(applier.Result{}, nil)
			return
		}
		n.core.changeConfig(cfg.With(m), done)
	})
	return err
}

// RemoveMember removes a member. A leader removing itself steps down once
// the change commits.
func (n *Node) RemoveMember(ctx context.Context, id string) error {
	_, err := n.wait(ctx, func(done func(applier.Result, error)) {
		cfg := n.core.log.Config()
		if !cfg.Contains(id) {
			done(applier.Result{}, nil)
			return
		}
		n.core.changeConfig(cfg.Without(id), done)
	})
	return err
}

func metaEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// AddVoter adds a voting server, keeping the metadata it already has.
func (n *Node) AddVoter(ctx context.Context, id, addr string) error {
	m := raftlog.Member{ID: id, Addr: addr}
	for _, cur := range n.Status().Members {
		if cur.ID == id {
			m.Meta = cur.Meta
		}
	}
	return n.AddMember(ctx, m)
}

// RemoveServer removes a server from the cluster if present.
func (n *Node) RemoveServer(ctx context.Context, id string) error {
	return n.RemoveMember(ctx, id)
}

func (n *Node) IsLeader() bool { return n.Status().Role == Leader.String() }

func (n *Node) Leader() (id string, addr string, ok bool) {
	st := n.Status()
	if st.Leader == "" {
		return "", "", false
	}
	return st.Leader, st.LeaderAddr, true
}

func (n *Node) Term() uint64 { return n.Status().Term }

// Stop halts the loop and fails pending proposals with ErrStopped. The
// transport is left to its owner.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	started := n.started
	n.mu.Unlock()
	n.stopper.Stop()
	if started {
		logutil.Infof(n.log, "raftcons: %s stopped", n.opts.NodeID)
	}
	close(n.lch)
	return nil
}

// LeaderCh delivers leadership updates and is closed by Stop.
func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

var (
	_ c.Consensus      = (*Node)(nil)
	_ c.LeaderNotifier = (*Node)(nil)
	_ c.Reconfigurer   = (*Node)(nil)
)
