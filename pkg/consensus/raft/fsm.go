package raftcons

import (
	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-raft/pkg/applier"
	"github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/raftlog"
	"github.com/amirimatin/go-raft/pkg/state/kv"
)

// defaultStateMachine is used when Options.StateMachine is nil.
func defaultStateMachine() applier.StateMachine { return kv.New() }

// proposal waits for the entry written at its index in term to be applied.
type proposal struct {
	term uint64
	done func(applier.Result, error)
}

// complete resolves the proposal at r.Index. A different term there means
// the proposed entry was overwritten by another leader.
func (c *core) complete(r applier.Result) {
	if r.Kind == raftlog.KindConfigure && r.Index == c.pendingConfig {
		c.pendingConfig = 0
	}
	p, ok := c.proposals[r.Index]
	if !ok {
		return
	}
	delete(c.proposals, r.Index)
	if p.term != r.Term {
		metrics.Proposals.WithLabelValues("lost").Inc()
		p.done(applier.Result{}, errors.Wrapf(ErrLeadershipLost, "entry %d overwritten in term %d", r.Index, r.Term))
		return
	}
	metrics.Proposals.WithLabelValues("committed").Inc()
	p.done(r, nil)
}

func (c *core) failProposals(err error) {
	for idx, p := range c.proposals {
		delete(c.proposals, idx)
		metrics.Proposals.WithLabelValues("failed").Inc()
		p.done(applier.Result{}, err)
	}
}
