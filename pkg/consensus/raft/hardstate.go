package raftcons

import (
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/amirimatin/go-raft/pkg/storage"
)

// Same keys hashicorp/raft uses, so stores stay readable by its tooling.
var (
	keyCurrentTerm  = []byte("CurrentTerm")
	keyLastVoteCand = []byte("LastVoteCand")
)

// hardState is the term and vote that must survive restarts. Both are
// written before any reply that depends on them.
type hardState struct {
	store    raft.StableStore
	term     uint64
	votedFor string
}

// isNotFound reports a missing stable key. raft.InmemStore's error is
// unexported, so it is matched by its message.
func isNotFound(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, storage.ErrKeyNotFound), errors.Is(err, raftboltdb.ErrKeyNotFound):
		return true
	default:
		return err.Error() == inmemNotFound
	}
}

const inmemNotFound = "not found"

func loadHardState(store raft.StableStore) (*hardState, error) {
	hs := &hardState{store: store}
	term, err := store.GetUint64(keyCurrentTerm)
	if err != nil && !isNotFound(err) {
		return nil, errors.Wrap(err, "raftcons: load term")
	}
	vote, err := store.Get(keyLastVoteCand)
	if err != nil && !isNotFound(err) {
		return nil, errors.Wrap(err, "raftcons: load vote")
	}
	hs.term, hs.votedFor = term, string(vote)
	return hs, nil
}

func (hs *hardState) set(term uint64, votedFor string) error {
	if term != hs.term {
		if err := hs.store.SetUint64(keyCurrentTerm, term); err != nil {
			return errors.Wrap(err, "raftcons: persist term")
		}
		hs.term = term
	}
	if votedFor != hs.votedFor {
		if err := hs.store.Set(keyLastVoteCand, []byte(votedFor)); err != nil {
			return errors.Wrap(err, "raftcons: persist vote")
		}
		hs.votedFor = votedFor
	}
	return nil
}
