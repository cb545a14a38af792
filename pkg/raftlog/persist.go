package raftlog

import (
	"log"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
)

func newLog(opts Options) *Log {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Log{applier: opts.Applier, store: opts.Store, logger: opts.Logger}
}

// Open returns a ready log. Without a store, or with an empty one, the log
// starts with opts.Initial at index 0. A non-empty store is reloaded and
// opts.Initial is ignored.
func Open(opts Options) (*Log, error) {
	l := newLog(opts)
	if l.store != nil {
		last, err := l.store.LastIndex()
		if err != nil {
			return nil, errors.Wrapf(ErrUnavailable, "last index: %v", err)
		}
		if last != 0 {
			if err := l.reload(last); err != nil {
				return nil, err
			}
			return l, nil
		}
	}
	payload, err := EncodeConfig(opts.Initial)
	if err != nil {
		return nil, err
	}
	e := Entry{Index: 0, Term: 0, Kind: KindConfigure, Command: payload}
	if err := l.persist(0, []Entry{e}); err != nil {
		return nil, err
	}
	l.entries = []Entry{e}
	l.configs = []configRecord{{index: 0, cfg: opts.Initial.Clone()}}
	return l, nil
}

func (l *Log) reload(last uint64) error {
	first, err := l.store.FirstIndex()
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "first index: %v", err)
	}
	entries := make([]Entry, 0, last-first+1)
	for i := first; i <= last; i++ {
		var rl raft.Log
		if err := l.store.GetLog(i, &rl); err != nil {
			return errors.Wrapf(ErrUnavailable, "get %d: %v", i, err)
		}
		entries = append(entries, fromRaftLog(&rl))
	}
	return l.load(entries)
}

// persist mirrors a mutation: drop everything from conflict on (when
// non-zero), then store tail.
func (l *Log) persist(conflict uint64, tail []Entry) error {
	if l.store == nil {
		return nil
	}
	if conflict != 0 && len(l.entries) > 0 {
		if err := l.store.DeleteRange(conflict+1, l.LastIndex()+1); err != nil {
			return errors.Wrapf(ErrUnavailable, "delete from %d: %v", conflict, err)
		}
	}
	if len(tail) == 0 {
		return nil
	}
	logs := make([]*raft.Log, 0, len(tail))
	for _, e := range tail {
		logs = append(logs, toRaftLog(e))
	}
	if err := l.store.StoreLogs(logs); err != nil {
		return errors.Wrapf(ErrUnavailable, "store %d entries: %v", len(logs), err)
	}
	return nil
}

func (l *Log) rewriteStore() error {
	first, err := l.store.FirstIndex()
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "first index: %v", err)
	}
	last, err := l.store.LastIndex()
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "last index: %v", err)
	}
	if last != 0 {
		if err := l.store.DeleteRange(first, last); err != nil {
			return errors.Wrapf(ErrUnavailable, "clear: %v", err)
		}
	}
	logs := make([]*raft.Log, 0, len(l.entries))
	for _, e := range l.entries {
		logs = append(logs, toRaftLog(e))
	}
	if err := l.store.StoreLogs(logs); err != nil {
		return errors.Wrapf(ErrUnavailable, "store image: %v", err)
	}
	return nil
}

func toRaftLog(e Entry) *raft.Log {
	t := raft.LogCommand
	switch e.Kind {
	case KindConfigure:
		t = raft.LogConfiguration
	case KindNoop:
		t = raft.LogNoop
	}
	return &raft.Log{Index: e.Index + 1, Term: e.Term, Type: t, Data: e.Command}
}

func fromRaftLog(rl *raft.Log) Entry {
	k := KindCommand
	switch rl.Type {
	case raft.LogConfiguration:
		k = KindConfigure
	case raft.LogNoop:
		k = KindNoop
	}
	e := Entry{Index: rl.Index - 1, Term: rl.Term, Kind: k}
	if len(rl.Data) > 0 {
		e.Command = append([]byte(nil), rl.Data...)
	}
	return e
}
