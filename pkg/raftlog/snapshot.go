package raftlog

import (
	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-raft/pkg/internal/logutil"
)

// LogSnapshot is a deep copy of a log, independent of its source.
type LogSnapshot struct {
	Entries     []Entry `json:"entries"`
	ConfigIndex uint64  `json:"configIndex"`
}

// LastIndex returns the index of the newest entry in the image.
func (s LogSnapshot) LastIndex() uint64 {
	if len(s.Entries) == 0 {
		return 0
	}
	return s.Entries[len(s.Entries)-1].Index
}

// Snapshot copies the log.
func (l *Log) Snapshot() (LogSnapshot, error) {
	if err := l.ready(); err != nil {
		return LogSnapshot{}, err
	}
	return LogSnapshot{Entries: cloneEntries(l.entries), ConfigIndex: l.ConfigIndex()}, nil
}

// Restore builds a new log from snap bound to opts.Applier. The applier's
// commit index must fall inside the image. When opts.Store is set its
// previous contents are replaced by the image.
func Restore(snap LogSnapshot, opts Options) (*Log, error) {
	l := newLog(opts)
	if err := l.load(cloneEntries(snap.Entries)); err != nil {
		return nil, err
	}
	if l.ConfigIndex() != snap.ConfigIndex {
		return nil, errors.Wrapf(ErrCorrupt, "configuration index %d, image claims %d", l.ConfigIndex(), snap.ConfigIndex)
	}
	if l.store != nil {
		if err := l.rewriteStore(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// load installs entries after checking contiguity, term order and the
// applier bounds, rebuilding the configuration history by one scan.
func (l *Log) load(entries []Entry) error {
	if len(entries) == 0 {
		return errors.Wrap(ErrCorrupt, "no entries")
	}
	if entries[0].Kind != KindConfigure {
		return errors.Wrapf(ErrCorrupt, "base entry %d is %s, want configure", entries[0].Index, entries[0].Kind)
	}
	var configs []configRecord
	for i, e := range entries {
		if i > 0 {
			if e.Index != entries[i-1].Index+1 {
				return errors.Wrapf(ErrCorrupt, "gap between %d and %d", entries[i-1].Index, e.Index)
			}
			if e.Term < entries[i-1].Term {
				return errors.Wrapf(ErrCorrupt, "term decreases at %d", e.Index)
			}
		}
		if e.Kind != KindConfigure {
			continue
		}
		cfg, err := DecodeConfig(e.Command)
		if err != nil {
			return errors.Wrapf(ErrCorrupt, "entry %d: %v", e.Index, err)
		}
		var prev uint64
		if n := len(configs); n > 0 {
			prev = configs[n-1].index
		}
		configs = append(configs, configRecord{index: e.Index, prev: prev, cfg: cfg})
	}
	first, last := entries[0].Index, entries[len(entries)-1].Index
	if l.applier != nil {
		if c := l.applier.CommitIndex(); c < first || c > last {
			return errors.Wrapf(ErrCorrupt, "applied index %d outside image [%d, %d]", c, first, last)
		}
	}
	l.entries = entries
	l.configs = configs
	return nil
}

// Compact discards entries below index, which must be applied. The entry at
// index becomes the new base and is rewritten as a configure entry holding
// the configuration active there; its term is kept for consistency checks.
func (l *Log) Compact(index uint64) error {
	if err := l.ready(); err != nil {
		return err
	}
	b := l.base()
	if index <= b {
		return nil
	}
	if index > l.LastIndex() {
		return errors.Wrapf(ErrInvalidIndex, "compaction point %d beyond last index %d", index, l.LastIndex())
	}
	if c := l.commitIndex(); index > c {
		return errors.Wrapf(ErrInvalidIndex, "compaction point %d beyond applied index %d", index, c)
	}
	var active configRecord
	keep := make([]configRecord, 0, len(l.configs))
	for _, r := range l.configs {
		if r.index <= index {
			active = r
			continue
		}
		keep = append(keep, r)
	}
	payload, err := EncodeConfig(active.cfg)
	if err != nil {
		return err
	}
	nb := Entry{Index: index, Term: l.entries[index-b].Term, Kind: KindConfigure, Command: payload}
	if l.store != nil {
		if err := l.store.DeleteRange(b+1, index); err != nil {
			return errors.Wrapf(ErrUnavailable, "compact: %v", err)
		}
		if err := l.store.StoreLog(toRaftLog(nb)); err != nil {
			return errors.Wrapf(ErrUnavailable, "compact: %v", err)
		}
	}
	entries := make([]Entry, 0, len(l.entries)-int(index-b))
	entries = append(entries, nb)
	entries = append(entries, l.entries[index-b+1:]...)
	l.entries = entries

	configs := make([]configRecord, 0, len(keep)+1)
	configs = append(configs, configRecord{index: index, cfg: active.cfg})
	for _, r := range keep {
		if r.prev < index {
			r.prev = index
		}
		configs = append(configs, r)
	}
	l.configs = configs
	logutil.Infof(l.logger, "raftlog: compacted through %d (base was %d)", index, b)
	return nil
}
