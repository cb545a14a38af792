// Package transport defines how nodes exchange consensus RPCs, and the
// management API served next to them.
package transport

import (
	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-raft/pkg/raftlog"
)

var (
	// ErrRequestFailed covers drops, partitions, timeouts and cancellation.
	// Callers retry.
	ErrRequestFailed = errors.New("transport: request failed")
	// ErrInvalidPeer means the destination is not known to the transport.
	ErrInvalidPeer = errors.New("transport: invalid peer")
	ErrClosed      = errors.New("transport: closed")
)

// CallID identifies one Send.
type CallID uint64

// Handler serves one inbound request for a registered node. reply must be
// called exactly once, possibly later and from another goroutine.
type Handler func(from string, req Message, reply func(resp Message, err error))

// ResponseHandler receives the single outcome of a Send: a response, or an
// error such as ErrRequestFailed.
type ResponseHandler func(err error, id CallID, to string, resp Message)

// Transport carries consensus RPCs between nodes. Delivery may be withheld
// indefinitely; every Send still ends in exactly one ResponseHandler call
// unless the transport is closed. That call may happen before Send returns.
type Transport interface {
	// Register routes requests addressed to id to h.
	Register(id string, h Handler) error
	// Send delivers req to node to and reports the outcome to fn.
	Send(from, to string, req Message, fn ResponseHandler) CallID
	// Cancel abandons a call. Its handler then sees ErrRequestFailed unless
	// it already ran.
	Cancel(id CallID)
	Close() error
}

// PeerUpdater is implemented by transports that address peers by the
// member addresses of the active configuration.
type PeerUpdater interface {
	UpdatePeers(members []raftlog.Member)
}
