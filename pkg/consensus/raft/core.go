package raftcons

import (
	"log"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-raft/pkg/applier"
	"github.com/amirimatin/go-raft/pkg/internal/logutil"
	"github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/raftlog"
	"github.com/amirimatin/go-raft/pkg/snapshot"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// Role is the consensus role of a node.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// outstanding is one call in flight. Its response is only acted on while
// the node is still in the term it was sent in.
type outstanding struct {
	to   string
	rpc  string
	term uint64
	sent time.Time
	// append and snapshot calls: the anchor sent and the last index covered
	prev uint64
	last uint64
	// exclusive calls occupy the peer's single in-flight slot
	exclusive bool
	heartbeat bool
}

// core is the per-node consensus state. Every method runs on the single
// owner task: the Node loop, or the test driving it. Transport callbacks
// re-enter through dispatch.
type core struct {
	id     string
	opts   Options
	logger *log.Logger
	trans  transport.Transport
	// dispatch runs f on the owner task.
	dispatch func(f func())

	hs       *hardState
	role     Role
	leaderID string

	log   *raftlog.Log
	app   *applier.Applier
	coord *snapshot.Coordinator
	snaps *snapshot.Store
	// commit is the highest index known committed; app lags it only while
	// applying.
	commit uint64

	electionDeadline time.Time
	nextHeartbeat    time.Time

	votes    map[string]bool
	cursors  map[string]uint64
	matched  map[string]uint64
	inflight map[string]transport.CallID
	calls    map[transport.CallID]*outstanding

	proposals     map[uint64]*proposal
	pendingConfig uint64
	noopIndex     uint64
	lastSnapshot  uint64
	configIndex   uint64

	// onLeader observes leader changes: the new leader id (empty when
	// unknown) and term.
	onLeader func(id string, term uint64)
}

// newCore restores durable state and returns a follower. opts must already
// carry defaults.
func newCore(opts Options) (*core, error) {
	hs, err := loadHardState(opts.StableStore)
	if err != nil {
		return nil, err
	}
	factory := opts.StateMachine
	if factory == nil {
		factory = defaultStateMachine
	}
	var app *applier.Applier
	if opts.SnapshotStore != nil {
		s, err := opts.SnapshotStore.Latest()
		switch {
		case err == nil:
			app, err = applier.Restore(s.Applier, factory())
			if err != nil {
				return nil, err
			}
			logutil.Infof(opts.Logger, "raftcons: %s restored snapshot at index %d", opts.NodeID, s.Index())
		case errors.Is(err, snapshot.ErrNoSnapshot):
		default:
			return nil, err
		}
	}
	if app == nil {
		if app, err = applier.New(factory()); err != nil {
			return nil, err
		}
	}
	l, err := raftlog.Open(raftlog.Options{
		Initial: raftlog.ClusterConfig{Members: opts.InitialMembers},
		Applier: app,
		Store:   opts.LogStore,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	coord, err := snapshot.New(snapshot.Options{Factory: factory, Store: opts.LogStore, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	coord.Bind(app, l)

	c := &core{
		id:        opts.NodeID,
		opts:      opts,
		logger:    opts.Logger,
		trans:     opts.Transport,
		dispatch:  func(f func()) { f() },
		hs:        hs,
		log:       l,
		app:       app,
		coord:     coord,
		snaps:     opts.SnapshotStore,
		commit:    app.CommitIndex(),
		calls:     make(map[transport.CallID]*outstanding),
		inflight:  make(map[string]transport.CallID),
		proposals: make(map[uint64]*proposal),
		onLeader:  func(string, uint64) {},
	}
	c.lastSnapshot = app.CommitIndex()
	c.configIndex = ^uint64(0)
	c.syncConfig()
	c.resetElectionDeadline()
	metrics.Term.Set(float64(hs.term))
	return c, nil
}

// register routes inbound RPCs for this node to the owner task.
func (c *core) register() error {
	return c.trans.Register(c.id, func(from string, req transport.Message, reply func(transport.Message, error)) {
		c.dispatch(func() { c.handleMessage(from, req, reply) })
	})
}

func (c *core) term() uint64 { return c.hs.term }

func (c *core) resetElectionDeadline() {
	c.electionDeadline = c.opts.Now().Add(c.opts.RandomTimeout())
}

// tick drives timers: abandoned calls, then elections or heartbeats.
func (c *core) tick() {
	now := c.opts.Now()
	c.expireCalls(now)
	if c.role == Leader {
		if !now.Before(c.nextHeartbeat) {
			c.heartbeat()
			c.nextHeartbeat = now.Add(c.opts.HeartbeatInterval)
		}
		return
	}
	if !now.Before(c.electionDeadline) {
		c.startElection()
	}
}

func (c *core) expireCalls(now time.Time) {
	for id, call := range c.calls {
		limit := c.opts.RPCTimeout
		if call.rpc == transport.RPCInstallSnapshot {
			limit = c.opts.SnapshotTimeout
		}
		if now.Sub(call.sent) >= limit {
			c.abandon(id)
		}
	}
}

// abandon forgets a call; its eventual response is ignored.
func (c *core) abandon(id transport.CallID) {
	call, ok := c.calls[id]
	if !ok {
		return
	}
	delete(c.calls, id)
	if c.inflight[call.to] == id {
		delete(c.inflight, call.to)
	}
	c.trans.Cancel(id)
}

func (c *core) abandonAll() {
	for id := range c.calls {
		c.abandon(id)
	}
}

// send records the call before acting on any response, so a transport may
// answer from inside Send.
func (c *core) send(to string, req transport.Message, call *outstanding) transport.CallID {
	call.to, call.rpc, call.term, call.sent = to, req.RPC(), c.term(), c.opts.Now()
	sending := true
	var early []func()
	id := c.trans.Send(c.id, to, req, func(err error, id transport.CallID, to string, resp transport.Message) {
		c.dispatch(func() {
			if sending {
				early = append(early, func() { c.handleResponse(err, id, to, resp) })
				return
			}
			c.handleResponse(err, id, to, resp)
		})
	})
	c.calls[id] = call
	if call.exclusive {
		c.inflight[to] = id
	}
	metrics.RPCSent.WithLabelValues(req.RPC()).Inc()
	sending = false
	for _, f := range early {
		f()
	}
	return id
}

func (c *core) startElection() {
	c.resetElectionDeadline()
	cfg := c.log.Config()
	if !cfg.Contains(c.id) {
		logutil.Debugf(c.logger, "raftcons: %s not in configuration, not campaigning", c.id)
		return
	}
	if err := c.hs.set(c.term()+1, c.id); err != nil {
		logutil.Errorf(c.logger, "raftcons: %s cannot start election: %v", c.id, err)
		return
	}
	c.abandonAll()
	prevLeader := c.leaderID
	c.role, c.leaderID = Candidate, ""
	c.votes = map[string]bool{c.id: true}
	metrics.ElectionsStarted.Inc()
	metrics.Term.Set(float64(c.term()))
	metrics.IsLeader.Set(0)
	if prevLeader != "" {
		c.onLeader("", c.term())
	}
	logutil.Infof(c.logger, "raftcons: %s starting election for term %d", c.id, c.term())

	last, _ := c.log.Last()
	for _, id := range cfg.IDs() {
		// a grant delivered during Send may already have decided the election
		if id == c.id || c.role != Candidate {
			continue
		}
		c.send(id, transport.RequestVoteRequest{
			Term:         c.term(),
			CandidateID:  c.id,
			LastLogIndex: last.Index,
			LastLogTerm:  last.Term,
		}, &outstanding{})
	}
	if c.role == Candidate {
		c.countVotes()
	}
}

func (c *core) countVotes() {
	cfg := c.log.Config()
	n := 0
	for _, id := range cfg.IDs() {
		if c.votes[id] {
			n++
		}
	}
	if n >= cfg.Quorum() {
		c.becomeLeader()
	}
}

// becomeFollower adopts term (clearing the vote when it grows) and leader,
// which may be empty. Outstanding work of the previous role is abandoned.
func (c *core) becomeFollower(term uint64, leader string) {
	wasLeader := c.role == Leader
	if term > c.term() {
		if err := c.hs.set(term, ""); err != nil {
			logutil.Errorf(c.logger, "raftcons: %s: %v", c.id, err)
		}
		metrics.Term.Set(float64(term))
	}
	if c.role != Follower {
		logutil.Infof(c.logger, "raftcons: %s %s -> follower in term %d", c.id, c.role, c.term())
		c.abandonAll()
		c.role = Follower
	}
	if wasLeader {
		metrics.IsLeader.Set(0)
		c.failProposals(ErrLeadershipLost)
		c.pendingConfig = 0
	}
	if leader != c.leaderID {
		c.leaderID = leader
		metrics.LeaderChanges.Inc()
		c.onLeader(leader, c.term())
	}
	c.resetElectionDeadline()
}

// observeLeader handles a valid request from the leader of term.
func (c *core) observeLeader(term uint64, leader string) {
	if term > c.term() || c.role != Follower || c.leaderID != leader {
		c.becomeFollower(term, leader)
		return
	}
	c.resetElectionDeadline()
}

func (c *core) becomeLeader() {
	c.role, c.leaderID = Leader, c.id
	c.votes = nil
	last := c.log.LastIndex()
	c.cursors = make(map[string]uint64)
	c.matched = make(map[string]uint64)
	for _, id := range c.log.Config().IDs() {
		if id != c.id {
			c.cursors[id] = last + 1
		}
	}
	metrics.IsLeader.Set(1)
	metrics.LeaderChanges.Inc()
	logutil.Infof(c.logger, "raftcons: %s elected leader for term %d", c.id, c.term())
	c.onLeader(c.id, c.term())

	e, err := c.log.AppendNew(c.term(), raftlog.KindNoop, nil)
	if err != nil {
		logutil.Errorf(c.logger, "raftcons: %s cannot append noop: %v", c.id, err)
		c.becomeFollower(c.term(), "")
		return
	}
	c.noopIndex = e.Index
	c.pendingConfig = 0
	c.afterLeaderAppend()
	c.nextHeartbeat = c.opts.Now().Add(c.opts.HeartbeatInterval)
}

// syncConfig reacts to a change of the active configuration, which takes
// effect as soon as it is written.
func (c *core) syncConfig() {
	idx := c.log.ConfigIndex()
	if idx == c.configIndex {
		return
	}
	c.configIndex = idx
	cfg := c.log.Config()
	metrics.ClusterMembers.Set(float64(len(cfg.Members)))
	if pu, ok := c.trans.(transport.PeerUpdater); ok {
		pu.UpdatePeers(cfg.Members)
	}
	if c.role != Leader {
		return
	}
	last := c.log.LastIndex()
	for _, id := range cfg.IDs() {
		if _, ok := c.cursors[id]; !ok && id != c.id {
			c.cursors[id] = last
		}
	}
	for id := range c.cursors {
		if !cfg.Contains(id) {
			delete(c.cursors, id)
			delete(c.matched, id)
			if callID, ok := c.inflight[id]; ok {
				c.abandon(callID)
			}
		}
	}
}

func (c *core) handleMessage(from string, req transport.Message, reply func(transport.Message, error)) {
	switch r := req.(type) {
	case transport.RequestVoteRequest:
		reply(c.handleRequestVote(r), nil)
	case transport.AppendEntriesRequest:
		reply(c.handleAppendEntries(r), nil)
	case transport.InstallSnapshotRequest:
		resp, err := c.handleInstallSnapshot(r)
		reply(resp, err)
	default:
		reply(nil, errors.Newf("raftcons: unexpected %T from %s", req, from))
	}
}

func (c *core) handleRequestVote(req transport.RequestVoteRequest) transport.RequestVoteResponse {
	if req.Term < c.term() {
		return transport.RequestVoteResponse{Term: c.term()}
	}
	if req.Term > c.term() {
		c.becomeFollower(req.Term, "")
	}
	last, _ := c.log.Last()
	upToDate := req.LastLogTerm > last.Term || (req.LastLogTerm == last.Term && req.LastLogIndex >= last.Index)
	v := c.hs.votedFor
	if (v == "" || v == req.CandidateID) && upToDate {
		if err := c.hs.set(c.term(), req.CandidateID); err != nil {
			logutil.Errorf(c.logger, "raftcons: %s: %v", c.id, err)
			return transport.RequestVoteResponse{Term: c.term()}
		}
		c.resetElectionDeadline()
		logutil.Debugf(c.logger, "raftcons: %s voted for %s in term %d", c.id, req.CandidateID, c.term())
		return transport.RequestVoteResponse{Term: c.term(), VoteGranted: true}
	}
	return transport.RequestVoteResponse{Term: c.term()}
}

func (c *core) handleAppendEntries(req transport.AppendEntriesRequest) transport.AppendEntriesResponse {
	if req.Term < c.term() {
		metrics.AppendRejects.WithLabelValues("stale_term").Inc()
		return transport.AppendEntriesResponse{Term: c.term(), LastIndex: c.log.LastIndex()}
	}
	c.observeLeader(req.Term, req.LeaderID)

	batch := make([]raftlog.Entry, 0, len(req.Entries)+1)
	batch = append(batch, raftlog.Entry{Index: req.PrevLogIndex, Term: req.PrevLogTerm})
	batch = append(batch, req.Entries...)
	last, err := c.log.Append(raftlog.AppendRequest{Term: req.Term, Entries: batch, CommitIndex: req.CommitIndex})
	if err != nil {
		metrics.AppendRejects.WithLabelValues(rejectReason(err)).Inc()
		hint := c.log.LastIndex()
		if req.PrevLogIndex > 0 && req.PrevLogIndex-1 < hint {
			hint = req.PrevLogIndex - 1
		}
		if raftlog.IsInternal(err) {
			logutil.Errorf(c.logger, "raftcons: %s rejected append from %s: %v", c.id, req.LeaderID, err)
		} else {
			logutil.Debugf(c.logger, "raftcons: %s rejected append from %s: %v", c.id, req.LeaderID, err)
		}
		return transport.AppendEntriesResponse{Term: c.term(), LastIndex: hint}
	}
	c.syncConfig()
	metrics.LastIndex.Set(float64(c.log.LastIndex()))

	commit := req.CommitIndex
	if last.Index < commit {
		commit = last.Index
	}
	if commit > c.commit {
		c.commit = commit
		c.applyCommitted()
	}
	return transport.AppendEntriesResponse{Term: c.term(), Success: true, LastIndex: last.Index}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, raftlog.ErrTermMismatch):
		return "term_mismatch"
	case errors.Is(err, raftlog.ErrUnsafeTruncation):
		return "unsafe_truncation"
	case errors.Is(err, raftlog.ErrInvalidIndex), errors.Is(err, raftlog.ErrInvalidTerm):
		return "invalid"
	default:
		return "other"
	}
}

func (c *core) handleInstallSnapshot(req transport.InstallSnapshotRequest) (transport.InstallSnapshotResponse, error) {
	if req.Term < c.term() {
		return transport.InstallSnapshotResponse{Term: c.term()}, nil
	}
	c.observeLeader(req.Term, req.LeaderID)
	if idx := req.Snapshot.Index(); idx <= c.app.CommitIndex() {
		return transport.InstallSnapshotResponse{Term: c.term(), LastIndex: c.app.CommitIndex()}, nil
	}
	app, l, err := c.coord.Install(req.Snapshot)
	if err != nil {
		logutil.Errorf(c.logger, "raftcons: %s cannot install snapshot from %s: %v", c.id, req.LeaderID, err)
		return transport.InstallSnapshotResponse{}, err
	}
	c.app, c.log = app, l
	if c.commit < app.CommitIndex() {
		c.commit = app.CommitIndex()
	}
	c.lastSnapshot = app.CommitIndex()
	if c.snaps != nil {
		if _, err := c.snaps.Save(req.Snapshot); err != nil {
			logutil.Warnf(c.logger, "raftcons: %s cannot store installed snapshot: %v", c.id, err)
		}
	}
	c.syncConfig()
	c.publishIndexes()
	logutil.Infof(c.logger, "raftcons: %s installed snapshot at index %d from %s", c.id, app.CommitIndex(), req.LeaderID)
	// Entries past the snapshot's commit index may still be applied later.
	c.applyCommitted()
	return transport.InstallSnapshotResponse{Term: c.term(), LastIndex: app.CommitIndex()}, nil
}

func (c *core) handleResponse(err error, id transport.CallID, to string, resp transport.Message) {
	call, ok := c.calls[id]
	if !ok {
		return
	}
	delete(c.calls, id)
	if c.inflight[to] == id {
		delete(c.inflight, to)
	}
	if err != nil {
		metrics.RPCFailures.WithLabelValues(call.rpc).Inc()
		logutil.Debugf(c.logger, "raftcons: %s %s to %s failed: %v", c.id, call.rpc, to, err)
		return
	}
	var term uint64
	switch r := resp.(type) {
	case transport.RequestVoteResponse:
		term = r.Term
	case transport.AppendEntriesResponse:
		term = r.Term
	case transport.InstallSnapshotResponse:
		term = r.Term
	default:
		return
	}
	if term > c.term() {
		c.becomeFollower(term, "")
		return
	}
	if call.term != c.term() {
		return
	}
	switch r := resp.(type) {
	case transport.RequestVoteResponse:
		if c.role == Candidate && r.VoteGranted {
			c.votes[to] = true
			c.countVotes()
		}
	case transport.AppendEntriesResponse:
		if c.role == Leader {
			c.handleAppendResponse(to, call, r)
		}
	case transport.InstallSnapshotResponse:
		if c.role == Leader {
			c.handleSnapshotResponse(to, r)
		}
	}
}

// shutdown fails everything waiting on this node.
func (c *core) shutdown() {
	c.abandonAll()
	c.failProposals(ErrStopped)
}
