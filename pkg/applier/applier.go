// Package applier feeds committed log entries, strictly in index order, to
// an application state machine.
package applier

import (
	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-raft/pkg/raftlog"
)

var (
	// ErrOutOfOrderCommit is returned when an entry's index is not commitIndex+1.
	ErrOutOfOrderCommit = errors.New("applier: out-of-order commit")
	// ErrNotReady is returned by every operation on an applier that was not constructed with New.
	ErrNotReady = errors.New("applier: premature operation on uninitialized applier")
)

// StateMachine is the application state driven by committed commands.
// Apply must be deterministic. An error returned from Apply is reported to
// the proposer; the entry still counts as applied.
type StateMachine interface {
	Apply(cmd []byte) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Result is the outcome of one applied entry.
type Result struct {
	Index uint64
	Term  uint64
	Kind  raftlog.Kind
	Data  []byte
	Err   error
}

// ApplierSnapshot is the last applied index and the state it produced.
type ApplierSnapshot struct {
	CommitIndex uint64 `json:"commitIndex"`
	Data        []byte `json:"data"`
}

// Applier is owned by a single node task and is not safe for concurrent use.
type Applier struct {
	sm     StateMachine
	commit uint64
}

// New returns an applier with nothing applied.
func New(sm StateMachine) (*Applier, error) {
	if sm == nil {
		return nil, errors.New("applier: nil state machine")
	}
	return &Applier{sm: sm}, nil
}

// Restore returns an applier over sm rebuilt from snap.
func Restore(snap ApplierSnapshot, sm StateMachine) (*Applier, error) {
	a, err := New(sm)
	if err != nil {
		return nil, err
	}
	if err := sm.Restore(snap.Data); err != nil {
		return nil, errors.Wrap(err, "applier: restore state machine")
	}
	a.commit = snap.CommitIndex
	return a, nil
}

// CommitIndex is the index of the last applied entry.
func (a *Applier) CommitIndex() uint64 {
	if a == nil {
		return 0
	}
	return a.commit
}

// StateMachine returns the state machine entries are applied to.
func (a *Applier) StateMachine() StateMachine {
	if a == nil {
		return nil
	}
	return a.sm
}

// Apply applies entries one at a time. Each index must be CommitIndex()+1;
// the first one that is not stops the call with ErrOutOfOrderCommit, keeping
// the effect of the entries before it. Configure and noop entries advance
// the commit index only.
func (a *Applier) Apply(entries []raftlog.Entry) ([]Result, error) {
	if a == nil || a.sm == nil {
		return nil, ErrNotReady
	}
	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		if e.Index != a.commit+1 {
			return results, errors.Wrapf(ErrOutOfOrderCommit, "entry %d, commit index %d", e.Index, a.commit)
		}
		r := Result{Index: e.Index, Term: e.Term, Kind: e.Kind}
		if e.Kind == raftlog.KindCommand {
			r.Data, r.Err = a.sm.Apply(e.Command)
		}
		a.commit = e.Index
		results = append(results, r)
	}
	return results, nil
}

// Snapshot captures the commit index and state machine image.
func (a *Applier) Snapshot() (ApplierSnapshot, error) {
	if a == nil || a.sm == nil {
		return ApplierSnapshot{}, ErrNotReady
	}
	data, err := a.sm.Snapshot()
	if err != nil {
		return ApplierSnapshot{}, errors.Wrap(err, "applier: snapshot state machine")
	}
	return ApplierSnapshot{CommitIndex: a.commit, Data: data}, nil
}

var _ raftlog.CommitIndexer = (*Applier)(nil)
