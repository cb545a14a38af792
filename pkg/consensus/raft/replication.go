package raftcons

import (
	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-raft/pkg/applier"
	"github.com/amirimatin/go-raft/pkg/internal/logutil"
	"github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/raftlog"
	"github.com/amirimatin/go-raft/pkg/transport"
)

func (c *core) broadcastAppend() {
	for id := range c.cursors {
		c.sendAppend(id)
	}
}

// heartbeat runs when the heartbeat interval elapses. Every peer hears from
// the leader: idle peers get their next batch, busy ones an empty append.
func (c *core) heartbeat() {
	for id := range c.cursors {
		if _, busy := c.inflight[id]; busy {
			c.sendHeartbeat(id)
			continue
		}
		c.sendAppend(id)
	}
}

// sendHeartbeat resets a busy peer's election timer. It is anchored at the
// peer's matched index, carries no entries and never moves the cursor.
func (c *core) sendHeartbeat(to string) {
	anchor := c.matched[to]
	term, ok := c.log.Term(anchor)
	if !ok {
		anchor = c.log.FirstIndex()
		term, _ = c.log.Term(anchor)
	}
	commit := c.commit
	if anchor < commit {
		commit = anchor
	}
	c.send(to, transport.AppendEntriesRequest{
		Term:         c.term(),
		LeaderID:     c.id,
		PrevLogIndex: anchor,
		PrevLogTerm:  term,
		CommitIndex:  commit,
	}, &outstanding{prev: anchor, last: anchor, heartbeat: true})
}

// sendAppend replicates from the peer's cursor, or sends a snapshot when
// the entry before the cursor is compacted. At most one append or snapshot
// per peer is in flight.
func (c *core) sendAppend(to string) {
	if _, busy := c.inflight[to]; busy {
		return
	}
	next, ok := c.cursors[to]
	if !ok {
		return
	}
	if next <= c.log.FirstIndex() {
		c.sendSnapshot(to)
		return
	}
	prev := next - 1
	prevTerm, _ := c.log.Term(prev)
	entries, err := c.log.Range(next, next+uint64(c.opts.MaxEntriesPerAppend))
	if err != nil {
		logutil.Errorf(c.logger, "raftcons: %s cannot read entries for %s: %v", c.id, to, err)
		return
	}
	last := prev + uint64(len(entries))
	commit := c.commit
	if last < commit {
		commit = last
	}
	c.send(to, transport.AppendEntriesRequest{
		Term:         c.term(),
		LeaderID:     c.id,
		PrevLogIndex: prev,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		CommitIndex:  commit,
	}, &outstanding{prev: prev, last: last, exclusive: true})
}

func (c *core) sendSnapshot(to string) {
	s, err := c.coord.Capture()
	if err != nil {
		logutil.Errorf(c.logger, "raftcons: %s cannot capture snapshot for %s: %v", c.id, to, err)
		return
	}
	metrics.Snapshots.WithLabelValues("send").Inc()
	logutil.Infof(c.logger, "raftcons: %s sending snapshot at index %d to %s", c.id, s.Index(), to)
	c.send(to, transport.InstallSnapshotRequest{
		Term:     c.term(),
		LeaderID: c.id,
		Snapshot: s,
	}, &outstanding{last: s.Index(), exclusive: true})
}

func (c *core) handleAppendResponse(to string, call *outstanding, r transport.AppendEntriesResponse) {
	if _, ok := c.cursors[to]; !ok || call.heartbeat {
		return
	}
	if r.Success {
		if call.last > c.matched[to] {
			c.matched[to] = call.last
		}
		if c.cursors[to] < call.last+1 {
			c.cursors[to] = call.last + 1
		}
		c.advanceCommit()
		if c.role == Leader && c.cursors[to] <= c.log.LastIndex() {
			c.sendAppend(to)
		}
		return
	}
	// Back off below the rejected anchor, skipping ahead with the follower's hint.
	next := call.prev
	if r.LastIndex+1 < next {
		next = r.LastIndex + 1
	}
	if next < 1 {
		next = 1
	}
	if next < c.cursors[to] {
		c.cursors[to] = next
		c.sendAppend(to)
	}
}

func (c *core) handleSnapshotResponse(to string, r transport.InstallSnapshotResponse) {
	if _, ok := c.cursors[to]; !ok {
		return
	}
	if r.LastIndex > c.matched[to] {
		c.matched[to] = r.LastIndex
	}
	c.cursors[to] = r.LastIndex + 1
	c.advanceCommit()
	if c.role == Leader {
		c.sendAppend(to)
	}
}

// advanceCommit moves the commit index to the highest entry of the current
// term held by a majority of the active configuration. Older entries commit
// with it.
func (c *core) advanceCommit() {
	cfg := c.log.Config()
	last := c.log.LastIndex()
	for idx := last; idx > c.commit; idx-- {
		term, ok := c.log.Term(idx)
		if !ok || term != c.term() {
			break
		}
		n := 0
		for _, id := range cfg.IDs() {
			if id == c.id || c.matched[id] >= idx {
				n++
			}
		}
		if n >= cfg.Quorum() {
			c.commit = idx
			metrics.CommitIndex.Set(float64(idx))
			c.applyCommitted()
			return
		}
	}
}

// afterLeaderAppend follows every entry the leader writes.
func (c *core) afterLeaderAppend() {
	c.syncConfig()
	metrics.LastIndex.Set(float64(c.log.LastIndex()))
	c.advanceCommit()
	if c.role == Leader {
		c.broadcastAppend()
	}
}

// applyCommitted feeds newly committed entries to the applier and completes
// the proposals waiting on them.
func (c *core) applyCommitted() {
	applied := c.app.CommitIndex()
	if c.commit <= applied {
		return
	}
	entries, err := c.log.Range(applied+1, c.commit+1)
	if err != nil {
		logutil.Errorf(c.logger, "raftcons: %s cannot read committed entries: %v", c.id, err)
		return
	}
	results, err := c.app.Apply(entries)
	for _, r := range results {
		c.complete(r)
	}
	if err != nil {
		logutil.Errorf(c.logger, "raftcons: %s apply: %v", c.id, err)
	}
	c.publishIndexes()

	if c.role == Leader && c.commit >= c.configIndex && !c.log.Config().Contains(c.id) {
		logutil.Infof(c.logger, "raftcons: %s removed from configuration, stepping down", c.id)
		c.becomeFollower(c.term(), "")
	}
	c.maybeSnapshot()
}

func (c *core) publishIndexes() {
	metrics.CommitIndex.Set(float64(c.commit))
	metrics.AppliedIndex.Set(float64(c.app.CommitIndex()))
	metrics.LastIndex.Set(float64(c.log.LastIndex()))
}

// maybeSnapshot captures, stores and compacts once SnapshotEntries entries
// were applied since the last snapshot. A durable log without a snapshot
// store is never compacted, since a restart could not rebuild its prefix.
func (c *core) maybeSnapshot() {
	n := c.opts.SnapshotEntries
	applied := c.app.CommitIndex()
	if n == 0 || applied < c.lastSnapshot+n {
		return
	}
	if c.snaps == nil && c.opts.durableLog {
		return
	}
	s, err := c.coord.Capture()
	if err != nil {
		logutil.Errorf(c.logger, "raftcons: %s snapshot: %v", c.id, err)
		return
	}
	if c.snaps != nil {
		if _, err := c.snaps.Save(s); err != nil {
			logutil.Errorf(c.logger, "raftcons: %s save snapshot: %v", c.id, err)
			return
		}
		metrics.Snapshots.WithLabelValues("save").Inc()
	}
	c.lastSnapshot = applied
	if applied <= c.opts.CompactionOverhead {
		return
	}
	if err := c.log.Compact(applied - c.opts.CompactionOverhead); err != nil {
		logutil.Errorf(c.logger, "raftcons: %s compact: %v", c.id, err)
	}
}

// propose appends an entry as leader. done runs once, when the entry is
// applied or cannot be.
func (c *core) propose(kind raftlog.Kind, cmd []byte, done func(applier.Result, error)) {
	if c.role != Leader {
		done(applier.Result{}, errors.Wrapf(ErrNotLeader, "leader is %q", c.leaderID))
		return
	}
	e, err := c.log.AppendNew(c.term(), kind, cmd)
	if err != nil {
		done(applier.Result{}, err)
		return
	}
	c.proposals[e.Index] = &proposal{term: e.Term, done: done}
	if kind == raftlog.KindConfigure {
		c.pendingConfig = e.Index
	}
	c.afterLeaderAppend()
}

// changeConfig proposes cfg. Only one change may be uncommitted, and none
// before this term's noop commits.
func (c *core) changeConfig(cfg raftlog.ClusterConfig, done func(applier.Result, error)) {
	if c.role != Leader {
		done(applier.Result{}, errors.Wrapf(ErrNotLeader, "leader is %q", c.leaderID))
		return
	}
	if c.pendingConfig != 0 || c.commit < c.noopIndex {
		done(applier.Result{}, ErrConfigChangePending)
		return
	}
	payload, err := raftlog.EncodeConfig(cfg)
	if err != nil {
		done(applier.Result{}, err)
		return
	}
	logutil.Infof(c.logger, "raftcons: %s proposing configuration %v", c.id, cfg.IDs())
	c.propose(raftlog.KindConfigure, payload, done)
}
