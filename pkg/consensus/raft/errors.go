package raftcons

import "github.com/cockroachdb/errors"

var (
	// ErrNotLeader is returned to clients of a follower or candidate. Retry
	// against Status().Leader.
	ErrNotLeader = errors.New("raftcons: not leader")
	// ErrLeadershipLost means the leader stepped down before the entry
	// committed. The entry may or may not survive.
	ErrLeadershipLost      = errors.New("raftcons: leadership lost before commit")
	ErrMalformedCommand    = errors.New("raftcons: malformed command")
	ErrConfigChangePending = errors.New("raftcons: configuration change in progress")
	ErrStopped             = errors.New("raftcons: node stopped")
	ErrRateLimited         = errors.New("raftcons: proposal rate exceeded")
	ErrInvalidConfig       = errors.New("raftcons: invalid options")
)
