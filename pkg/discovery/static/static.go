package static

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-raft/pkg/discovery"
	"github.com/amirimatin/go-raft/pkg/raftlog"
)

type staticSeeds struct {
	seeds []string
}

func (s *staticSeeds) Seeds() []string { return append([]string(nil), s.seeds...) }

// New returns a Discovery that always returns the given seeds.
func New(seeds ...string) discovery.Discovery {
	cleaned := make([]string, 0, len(seeds))
	for _, v := range seeds {
		v = strings.TrimSpace(v)
		if v != "" {
			cleaned = append(cleaned, v)
		}
	}
	return &staticSeeds{seeds: cleaned}
}

// Parse converts a comma-separated list into []string seeds.
func Parse(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseMembers reads an initial configuration written as
// "id=raftAddr[@mgmtAddr],...". The address part may be empty for
// transports that route by id.
func ParseMembers(csv string) ([]raftlog.Member, error) {
	var out []raftlog.Member
	for _, item := range Parse(csv) {
		id, addr, ok := strings.Cut(item, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, errors.Newf("static: malformed member %q, want id=addr", item)
		}
		m := raftlog.Member{ID: id, Addr: strings.TrimSpace(addr)}
		if raft, mgmt, ok := strings.Cut(m.Addr, "@"); ok {
			m.Addr = raft
			if mgmt != "" {
				m.Meta = map[string]string{"mgmt": mgmt}
			}
		}
		out = append(out, m)
	}
	cfg := raftlog.ClusterConfig{Members: out}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
