package storage

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"
)

var (
	prefixLog    = []byte{'l'}
	prefixStable = []byte{'s'}

	// ErrKeyNotFound matches the message hashicorp/raft stores return for
	// missing stable keys.
	ErrKeyNotFound = errors.New("not found")
)

// PebbleStore implements raft.LogStore and raft.StableStore over pebble.
// Log keys are 'l' followed by the big endian index so iteration order
// matches index order.
type PebbleStore struct {
	db *pebble.DB
}

var (
	_ raft.LogStore    = (*PebbleStore)(nil)
	_ raft.StableStore = (*PebbleStore)(nil)
)

func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "storage: open pebble at %s", dir)
	}
	return &PebbleStore{db: db}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func logKey(index uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefixLog[0]
	binary.BigEndian.PutUint64(k[1:], index)
	return k
}

func stableKey(key []byte) []byte {
	return append(append([]byte(nil), prefixStable...), key...)
}

func (p *PebbleStore) logIter() *pebble.Iterator {
	return p.db.NewIter(&pebble.IterOptions{LowerBound: logKey(0), UpperBound: []byte{prefixLog[0] + 1}})
}

func (p *PebbleStore) FirstIndex() (uint64, error) {
	it := p.logIter()
	defer it.Close()
	if !it.First() {
		return 0, nil
	}
	return binary.BigEndian.Uint64(it.Key()[1:]), nil
}

func (p *PebbleStore) LastIndex() (uint64, error) {
	it := p.logIter()
	defer it.Close()
	if !it.Last() {
		return 0, nil
	}
	return binary.BigEndian.Uint64(it.Key()[1:]), nil
}

func (p *PebbleStore) GetLog(index uint64, out *raft.Log) error {
	v, closer, err := p.db.Get(logKey(index))
	if errors.Is(err, pebble.ErrNotFound) {
		return raft.ErrLogNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return decodeMsgPack(v, out)
}

func (p *PebbleStore) StoreLog(l *raft.Log) error {
	return p.StoreLogs([]*raft.Log{l})
}

func (p *PebbleStore) StoreLogs(logs []*raft.Log) error {
	b := p.db.NewBatch()
	defer b.Close()
	for _, l := range logs {
		v, err := encodeMsgPack(l)
		if err != nil {
			return err
		}
		if err := b.Set(logKey(l.Index), v, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// DeleteRange removes logs in [min, max], both inclusive.
func (p *PebbleStore) DeleteRange(min, max uint64) error {
	if max < min {
		return nil
	}
	end := []byte{prefixLog[0] + 1}
	if max != ^uint64(0) {
		end = logKey(max + 1)
	}
	return p.db.DeleteRange(logKey(min), end, pebble.Sync)
}

func (p *PebbleStore) Set(key, val []byte) error {
	return p.db.Set(stableKey(key), val, pebble.Sync)
}

func (p *PebbleStore) Get(key []byte) ([]byte, error) {
	v, closer, err := p.db.Get(stableKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (p *PebbleStore) SetUint64(key []byte, val uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], val)
	return p.Set(key, b[:])
}

func (p *PebbleStore) GetUint64(key []byte) (uint64, error) {
	v, err := p.Get(key)
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, errors.Newf("storage: value of %q is %d bytes, want 8", key, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

func decodeMsgPack(buf []byte, out interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(buf), &codec.MsgpackHandle{})
	return dec.Decode(out)
}

func encodeMsgPack(in interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(in); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
