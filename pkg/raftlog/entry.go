package raftlog

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/lni/goutils/stringutil"
)

// Kind distinguishes what an entry carries.
type Kind uint8

const (
	// KindCommand carries an opaque application command.
	KindCommand Kind = iota
	// KindConfigure carries a JSON encoded ClusterConfig.
	KindConfigure
	// KindNoop is appended by a new leader and only advances the commit index.
	KindNoop
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindConfigure:
		return "configure"
	case KindNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// Entry is one record of the replicated log.
type Entry struct {
	Index   uint64 `json:"index"`
	Term    uint64 `json:"term"`
	Kind    Kind   `json:"kind"`
	Command []byte `json:"command,omitempty"`
}

// Equal reports whether both entries hold the same index, term, kind and command.
func (e Entry) Equal(o Entry) bool {
	return e.Index == o.Index && e.Term == o.Term && e.Kind == o.Kind && bytes.Equal(e.Command, o.Command)
}

func (e Entry) clone() Entry {
	if e.Command != nil {
		e.Command = append([]byte(nil), e.Command...)
	}
	return e
}

func cloneEntries(in []Entry) []Entry {
	if len(in) == 0 {
		return nil
	}
	out := make([]Entry, len(in))
	for i := range in {
		out[i] = in[i].clone()
	}
	return out
}

// MetaMgmtAddr is the Member.Meta key holding a member's management address.
const MetaMgmtAddr = "mgmt"

// Member is a voting participant of the cluster.
type Member struct {
	ID   string            `json:"id"`
	Addr string            `json:"addr"`
	Meta map[string]string `json:"meta,omitempty"`
}

func (m Member) clone() Member {
	if m.Meta != nil {
		meta := make(map[string]string, len(m.Meta))
		for k, v := range m.Meta {
			meta[k] = v
		}
		m.Meta = meta
	}
	return m
}

// ClusterConfig is the member set carried by configure entries.
type ClusterConfig struct {
	Members []Member `json:"members"`
}

// Clone returns a deep copy.
func (c ClusterConfig) Clone() ClusterConfig {
	if c.Members == nil {
		return ClusterConfig{}
	}
	out := ClusterConfig{Members: make([]Member, len(c.Members))}
	for i, m := range c.Members {
		out.Members[i] = m.clone()
	}
	return out
}

// Lookup returns the member with the given id.
func (c ClusterConfig) Lookup(id string) (Member, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			return m.clone(), true
		}
	}
	return Member{}, false
}

func (c ClusterConfig) Contains(id string) bool {
	_, ok := c.Lookup(id)
	return ok
}

// IDs returns member ids in configuration order.
func (c ClusterConfig) IDs() []string {
	out := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		out = append(out, m.ID)
	}
	return out
}

// Quorum is the strict majority of the member set.
func (c ClusterConfig) Quorum() int { return len(c.Members)/2 + 1 }

// With returns a copy containing m, replacing any member with the same id.
func (c ClusterConfig) With(m Member) ClusterConfig {
	out := c.Without(m.ID)
	out.Members = append(out.Members, m.clone())
	sort.Slice(out.Members, func(i, j int) bool { return out.Members[i].ID < out.Members[j].ID })
	return out
}

// Without returns a copy with the member id removed.
func (c ClusterConfig) Without(id string) ClusterConfig {
	out := ClusterConfig{Members: make([]Member, 0, len(c.Members))}
	for _, m := range c.Members {
		if m.ID != id {
			out.Members = append(out.Members, m.clone())
		}
	}
	return out
}

// Validate checks ids are present and unique and addresses are host:port.
// An empty member set is valid; it describes a node waiting to be added.
func (c ClusterConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Members))
	for _, m := range c.Members {
		if m.ID == "" {
			return errors.Wrap(ErrInvalidConfig, "empty member id")
		}
		if _, dup := seen[m.ID]; dup {
			return errors.Wrapf(ErrInvalidConfig, "duplicate member %q", m.ID)
		}
		seen[m.ID] = struct{}{}
		if m.Addr != "" && !stringutil.IsValidAddress(m.Addr) {
			return errors.Wrapf(ErrInvalidConfig, "member %q has invalid address %q", m.ID, m.Addr)
		}
	}
	return nil
}

// EncodeConfig validates and encodes a configuration as an entry payload.
func EncodeConfig(c ClusterConfig) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// DecodeConfig decodes and validates a configure entry payload.
func DecodeConfig(b []byte) (ClusterConfig, error) {
	var c ClusterConfig
	if err := json.Unmarshal(b, &c); err != nil {
		return ClusterConfig{}, errors.Wrapf(ErrInvalidConfig, "decode: %v", err)
	}
	if err := c.Validate(); err != nil {
		return ClusterConfig{}, err
	}
	return c, nil
}
