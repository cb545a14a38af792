package cluster

import "github.com/amirimatin/go-raft/pkg/raftlog"

// ClusterStatus is a JSON-serializable snapshot of one node's view, served
// on the management status endpoint.
type ClusterStatus struct {
	// Healthy is true when a leader is known.
	Healthy bool   `json:"healthy"`
	NodeID  string `json:"nodeId"`
	Role    string `json:"role"`
	Term    uint64 `json:"term"`

	// LeaderAddr is the management address of the leader, if known.
	LeaderID   string `json:"leaderId,omitempty"`
	LeaderAddr string `json:"leaderAddr,omitempty"`

	CommitIndex uint64           `json:"commitIndex"`
	Applied     uint64           `json:"applied"`
	LastIndex   uint64           `json:"lastIndex"`
	Members     []raftlog.Member `json:"members"`

	// Warnings contains non-fatal observations.
	Warnings []string `json:"warnings,omitempty"`
}
