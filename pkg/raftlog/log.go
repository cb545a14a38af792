// Package raftlog is the replicated command log: append with consistency
// checks, conservative truncation, and the active cluster configuration
// derived from configure entries.
package raftlog

import (
	"log"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"

	"github.com/amirimatin/go-raft/pkg/internal/logutil"
	"github.com/amirimatin/go-raft/pkg/observability/metrics"
)

// CommitIndexer exposes the highest applied index. The log never discards
// entries at or below it.
type CommitIndexer interface {
	CommitIndex() uint64
}

// Options configure Open and Restore.
type Options struct {
	// Initial is written at index 0 when the log starts empty.
	Initial ClusterConfig
	// Applier bounds truncation. Nil means nothing has been applied.
	Applier CommitIndexer
	// Store receives every mutation when non-nil; stored indices are ours plus one.
	Store  raft.LogStore
	Logger *log.Logger
}

type configRecord struct {
	index uint64
	prev  uint64
	cfg   ClusterConfig
}

// Log is owned by a single node task and is not safe for concurrent use.
// The zero value is not ready; use New, Open or Restore.
type Log struct {
	// entries[0] is the base: index 0 or the last compaction point. It is
	// always a configure entry holding the configuration active at the base.
	entries []Entry
	// configs is the configuration history above the base, newest last.
	configs []configRecord
	applier CommitIndexer
	store   raft.LogStore
	logger  *log.Logger
}

// AppendRequest is one replication batch. Entries[0] is the consistency
// anchor and must already be present with the same term.
type AppendRequest struct {
	Term        uint64
	Entries     []Entry
	CommitIndex uint64
}

// New returns an in-memory log holding initial at index 0.
func New(initial ClusterConfig, applier CommitIndexer) (*Log, error) {
	return Open(Options{Initial: initial, Applier: applier})
}

func (l *Log) ready() error {
	if l == nil || len(l.entries) == 0 {
		return ErrNotReady
	}
	return nil
}

func (l *Log) base() uint64 { return l.entries[0].Index }

func (l *Log) commitIndex() uint64 {
	if l.applier == nil {
		return 0
	}
	return l.applier.CommitIndex()
}

func (l *Log) at(index uint64) (Entry, bool) {
	b := l.base()
	if index < b || index-b >= uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[index-b], true
}

// FirstIndex is the base index: 0, or the last compaction point.
func (l *Log) FirstIndex() uint64 {
	if l.ready() != nil {
		return 0
	}
	return l.base()
}

func (l *Log) LastIndex() uint64 {
	if l.ready() != nil {
		return 0
	}
	return l.entries[len(l.entries)-1].Index
}

// Last returns the newest entry.
func (l *Log) Last() (Entry, bool) {
	if l.ready() != nil {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1].clone(), true
}

// Entry returns the entry at index if it is held.
func (l *Log) Entry(index uint64) (Entry, bool) {
	if l.ready() != nil {
		return Entry{}, false
	}
	e, ok := l.at(index)
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

func (l *Log) Term(index uint64) (uint64, bool) {
	if l.ready() != nil {
		return 0, false
	}
	e, ok := l.at(index)
	return e.Term, ok
}

// Config returns the active cluster configuration.
func (l *Log) Config() ClusterConfig {
	if l.ready() != nil {
		return ClusterConfig{}
	}
	return l.configs[len(l.configs)-1].cfg.Clone()
}

// ConfigIndex is the index at which the active configuration was written.
func (l *Log) ConfigIndex() uint64 {
	if l.ready() != nil {
		return 0
	}
	return l.configs[len(l.configs)-1].index
}

// PrevConfigIndex is the index of the configuration the active one replaced.
func (l *Log) PrevConfigIndex() uint64 {
	if l.ready() != nil {
		return 0
	}
	return l.configs[len(l.configs)-1].prev
}

// Range returns copies of entries in [start, end). end is clamped to the
// last index; start below the base fails with ErrCompacted.
func (l *Log) Range(start, end uint64) ([]Entry, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	b := l.base()
	if start < b {
		return nil, errors.Wrapf(ErrCompacted, "range start %d below base %d", start, b)
	}
	if last := l.LastIndex(); end > last+1 {
		end = last + 1
	}
	if start >= end {
		return nil, nil
	}
	return cloneEntries(l.entries[start-b : end-b]), nil
}

// AppendNew is the leader path: the entry gets the next index and is
// accepted unconditionally.
func (l *Log) AppendNew(term uint64, kind Kind, cmd []byte) (Entry, error) {
	if err := l.ready(); err != nil {
		return Entry{}, err
	}
	var cfg ClusterConfig
	if kind == KindConfigure {
		c, err := DecodeConfig(cmd)
		if err != nil {
			return Entry{}, err
		}
		cfg = c
	}
	e := Entry{Index: l.LastIndex() + 1, Term: term, Kind: kind}
	if cmd != nil {
		e.Command = append([]byte(nil), cmd...)
	}
	if err := l.persist(0, []Entry{e}); err != nil {
		return Entry{}, err
	}
	l.entries = append(l.entries, e)
	if kind == KindConfigure {
		l.adopt(e.Index, cfg)
	}
	return e.clone(), nil
}

// Append applies a replication batch. The whole batch is validated before
// anything changes, so a rejected request leaves the log as it was.
//
// Conflicting entries are truncated together with everything after them,
// unless the conflict is at or below the applier's commit index, which fails
// with ErrUnsafeTruncation. Entries that already match are left in place.
// The last entry of the batch is returned.
func (l *Log) Append(req AppendRequest) (Entry, error) {
	if err := l.ready(); err != nil {
		return Entry{}, err
	}
	batch := req.Entries
	if len(batch) == 0 {
		return Entry{}, errors.Wrap(ErrInvalidIndex, "empty batch")
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].Index != batch[i-1].Index+1 {
			return Entry{}, errors.Wrapf(ErrInvalidIndex, "entry %d does not follow %d", batch[i].Index, batch[i-1].Index)
		}
		if batch[i].Term < batch[i-1].Term {
			return Entry{}, errors.Wrapf(ErrInvalidTerm, "entry %d term %d below preceding term %d", batch[i].Index, batch[i].Term, batch[i-1].Term)
		}
	}
	last := batch[len(batch)-1]
	if req.Term < last.Term {
		return Entry{}, errors.Wrapf(ErrInvalidTerm, "request term %d below entry term %d", req.Term, last.Term)
	}
	if req.CommitIndex > last.Index {
		return Entry{}, errors.Wrapf(ErrInvalidIndex, "commit index %d beyond last sent index %d", req.CommitIndex, last.Index)
	}
	for _, e := range batch[1:] {
		if e.Kind == KindConfigure {
			if _, err := DecodeConfig(e.Command); err != nil {
				return Entry{}, errors.Wrapf(err, "entry %d", e.Index)
			}
		}
	}

	b := l.base()
	if last.Index <= b {
		// Everything up to the base is applied, hence identical on every node.
		return last.clone(), nil
	}
	anchor := batch[0]
	if anchor.Index < b {
		batch = batch[b-anchor.Index:]
	} else if have, ok := l.at(anchor.Index); !ok || have.Term != anchor.Term {
		return Entry{}, errors.Wrapf(ErrTermMismatch, "anchor %d/%d not matched (last index %d)", anchor.Index, anchor.Term, l.LastIndex())
	}

	rest := batch[1:]
	lastIdx := l.LastIndex()
	var conflict uint64
	start := len(rest)
	for i, e := range rest {
		if e.Index > lastIdx {
			start = i
			break
		}
		if l.entries[e.Index-b].Term != e.Term {
			conflict, start = e.Index, i
			break
		}
	}
	if conflict != 0 {
		if commit := l.commitIndex(); conflict <= commit {
			err := errors.WithAssertionFailure(errors.Wrapf(ErrUnsafeTruncation, "conflict at %d, applied through %d", conflict, commit))
			logutil.Errorf(l.logger, "raftlog: refusing truncation: %v", err)
			return Entry{}, err
		}
	}

	tail := cloneEntries(rest[start:])
	if err := l.persist(conflict, tail); err != nil {
		return Entry{}, err
	}
	if conflict != 0 {
		logutil.Warnf(l.logger, "raftlog: truncating from index %d (last %d)", conflict, lastIdx)
		l.truncate(conflict)
		metrics.Truncations.Inc()
	}
	for _, e := range tail {
		l.entries = append(l.entries, e)
		if e.Kind == KindConfigure && e.Index > l.ConfigIndex() {
			cfg, _ := DecodeConfig(e.Command)
			l.adopt(e.Index, cfg)
		}
	}
	return last.clone(), nil
}

// truncate drops the entry at index at and everything after it. The history
// is a stack whose records link to the one below through prev, so popping
// rolls the active configuration back past discarded configure entries. The
// base record survives since at > commit >= base.
func (l *Log) truncate(at uint64) {
	l.entries = l.entries[:at-l.base()]
	for top := l.configs[len(l.configs)-1]; top.index >= at; top = l.configs[len(l.configs)-1] {
		l.configs = l.configs[:len(l.configs)-1]
	}
}

func (l *Log) adopt(index uint64, cfg ClusterConfig) {
	prev := l.configs[len(l.configs)-1].index
	l.configs = append(l.configs, configRecord{index: index, prev: prev, cfg: cfg.Clone()})
	logutil.Infof(l.logger, "raftlog: configuration at index %d active (prev %d): %v", index, prev, cfg.IDs())
}
