// Package storage opens the durable backends behind the replicated log and
// the node's hard state.
package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Kind names a backend.
type Kind string

const (
	KindMemory Kind = "memory"
	KindBolt   Kind = "bolt"
	KindPebble Kind = "pebble"
)

// ErrUnknownKind is returned by Open for an unsupported backend name.
var ErrUnknownKind = errors.New("storage: unknown backend")

// Stores groups the log and hard-state stores of one node.
type Stores struct {
	Log    raft.LogStore
	Stable raft.StableStore
	closer io.Closer
}

func (s *Stores) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Open returns the stores for kind. dir is ignored for KindMemory and
// required otherwise.
func Open(kind Kind, dir string) (*Stores, error) {
	switch kind {
	case "", KindMemory:
		return &Stores{Log: raft.NewInmemStore(), Stable: raft.NewInmemStore()}, nil
	case KindBolt, KindPebble:
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%q", kind)
	}
	if dir == "" {
		return nil, errors.Newf("storage: %s backend needs a data directory", kind)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "storage: create %s", dir)
	}
	if kind == KindBolt {
		b, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft.db"))
		if err != nil {
			return nil, errors.Wrap(err, "storage: open bolt")
		}
		return &Stores{Log: b, Stable: b, closer: b}, nil
	}
	p, err := OpenPebble(filepath.Join(dir, "pebble"))
	if err != nil {
		return nil, err
	}
	return &Stores{Log: p, Stable: p, closer: p}, nil
}
