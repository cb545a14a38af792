package transport

import (
	"github.com/amirimatin/go-raft/pkg/raftlog"
	"github.com/amirimatin/go-raft/pkg/snapshot"
)

// RPC names, used for routing and metric labels.
const (
	RPCRequestVote     = "requestVote"
	RPCAppendEntries   = "appendEntries"
	RPCInstallSnapshot = "installSnapshot"
)

// Message is a request or response exchanged between nodes.
type Message interface {
	RPC() string
}

type RequestVoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidateId"`
	LastLogIndex uint64 `json:"lastLogIndex"`
	LastLogTerm  uint64 `json:"lastLogTerm"`
}

type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"voteGranted"`
}

// AppendEntriesRequest replicates Entries after the anchor
// (PrevLogIndex, PrevLogTerm). An empty Entries is a heartbeat.
type AppendEntriesRequest struct {
	Term         uint64          `json:"term"`
	LeaderID     string          `json:"leaderId"`
	PrevLogIndex uint64          `json:"prevLogIndex"`
	PrevLogTerm  uint64          `json:"prevLogTerm"`
	Entries      []raftlog.Entry `json:"entries,omitempty"`
	CommitIndex  uint64          `json:"commitIndex"`
}

// AppendEntriesResponse carries, on failure, the receiver's highest index
// that may still match so the leader can skip ahead while backtracking.
type AppendEntriesResponse struct {
	Term      uint64 `json:"term"`
	Success   bool   `json:"success"`
	LastIndex uint64 `json:"lastIndex"`
}

type InstallSnapshotRequest struct {
	Term     uint64            `json:"term"`
	LeaderID string            `json:"leaderId"`
	Snapshot snapshot.Snapshot `json:"snapshot"`
}

type InstallSnapshotResponse struct {
	Term      uint64 `json:"term"`
	LastIndex uint64 `json:"lastIndex"`
}

func (RequestVoteRequest) RPC() string      { return RPCRequestVote }
func (RequestVoteResponse) RPC() string     { return RPCRequestVote }
func (AppendEntriesRequest) RPC() string    { return RPCAppendEntries }
func (AppendEntriesResponse) RPC() string   { return RPCAppendEntries }
func (InstallSnapshotRequest) RPC() string  { return RPCInstallSnapshot }
func (InstallSnapshotResponse) RPC() string { return RPCInstallSnapshot }
