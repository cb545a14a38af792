package kv

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/amirimatin/go-raft/pkg/consensus"
	base "github.com/amirimatin/go-raft/pkg/state"
)

const (
	OpSet    = "Set"
	OpDelete = "Delete"
)

// Pair is the payload of Set and Delete commands. Delete ignores Value.
type Pair struct {
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// SetCommand encodes a Set as a log command.
func SetCommand(key string, value []byte) ([]byte, error) { return encode(OpSet, Pair{Key: key, Value: value}) }

// DeleteCommand encodes a Delete as a log command.
func DeleteCommand(key string) ([]byte, error) { return encode(OpDelete, Pair{Key: key}) }

func encode(op string, p Pair) ([]byte, error) {
	if p.Key == "" {
		return nil, fmt.Errorf("kv: empty key")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(consensus.Command{Op: op, Payload: payload})
}

// State is an in-memory key/value map driven by consensus.Command entries.
type State struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func New() *State { return &State{data: make(map[string][]byte)} }

// Apply executes a Set or Delete. Set returns the previous value, Delete the removed one.
func (s *State) Apply(cmd []byte) ([]byte, error) {
	var c consensus.Command
	if err := json.Unmarshal(cmd, &c); err != nil {
		return nil, fmt.Errorf("kv: malformed command: %w", err)
	}
	var p Pair
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return nil, fmt.Errorf("kv: malformed %s payload: %w", c.Op, err)
	}
	if p.Key == "" {
		return nil, fmt.Errorf("kv: empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.data[p.Key]
	switch c.Op {
	case OpSet:
		s.data[p.Key] = append([]byte(nil), p.Value...)
	case OpDelete:
		delete(s.data, p.Key)
	default:
		return nil, fmt.Errorf("kv: unknown op %q", c.Op)
	}
	return prev, nil
}

func (s *State) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Snapshot encodes state as a stable JSON for ease of debugging/migration.
func (s *State) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := make([]Pair, 0, len(s.data))
	for k, v := range s.data {
		arr = append(arr, Pair{Key: k, Value: v})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].Key < arr[j].Key })
	return json.Marshal(struct {
		Version int    `json:"version"`
		Pairs   []Pair `json:"pairs"`
	}{Version: 1, Pairs: arr})
}

func (s *State) Restore(buf []byte) error {
	var snapshot struct {
		Version int    `json:"version"`
		Pairs   []Pair `json:"pairs"`
	}
	if err := json.Unmarshal(buf, &snapshot); err != nil {
		return err
	}
	if snapshot.Version != 1 {
		return fmt.Errorf("kv: unsupported snapshot version %d", snapshot.Version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte, len(snapshot.Pairs))
	for _, p := range snapshot.Pairs {
		if p.Key == "" {
			continue
		}
		s.data[p.Key] = p.Value
	}
	return nil
}

// Ensure interface satisfaction at compile-time.
var _ base.Store = (*State)(nil)
