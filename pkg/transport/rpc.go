package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on node types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// JoinRequest asks the leader to add a voting member.
type JoinRequest struct {
	ID       string `json:"id"`
	RaftAddr string `json:"raftAddr"`
	MgmtAddr string `json:"mgmtAddr,omitempty"`
}

// JoinResponse indicates acceptance and optionally leader address or error.
type JoinResponse struct {
	Accepted bool   `json:"accepted"`
	Leader   string `json:"leader,omitempty"`
	Error    string `json:"error,omitempty"`
}

// JoinFunc handles node join requests (leader-only).
type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest requests removal of a node from the cluster.
type LeaveRequest struct {
	ID string `json:"id"`
}

// LeaveResponse indicates whether the leave/remove was accepted.
type LeaveResponse struct {
	Accepted bool   `json:"accepted"`
	Leader   string `json:"leader,omitempty"`
	Error    string `json:"error,omitempty"`
}

// LeaveFunc handles node leave requests (leader-only).
type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// ProposeRequest carries an encoded application command to the leader.
type ProposeRequest struct {
	Command []byte `json:"command"`
}

// ProposeResponse reports where the command was committed and what the
// state machine returned.
type ProposeResponse struct {
	Index  uint64 `json:"index,omitempty"`
	Data   []byte `json:"data,omitempty"`
	Leader string `json:"leader,omitempty"`
	Error  string `json:"error,omitempty"`
}

type ProposeFunc func(ctx context.Context, req ProposeRequest) (ProposeResponse, error)

// ReadRequest reads a key from the local state machine, which may lag the leader.
type ReadRequest struct {
	Key string `json:"key"`
}

type ReadResponse struct {
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
	Error string `json:"error,omitempty"`
}

type ReadFunc func(ctx context.Context, req ReadRequest) (ReadResponse, error)

// RPCServer exposes management endpoints (status, join, leave, propose, read).
type RPCServer interface {
	Start(ctx context.Context, status StatusFunc, join JoinFunc, leave LeaveFunc, propose ProposeFunc, read ReadFunc) error
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient performs management calls against other nodes using the chosen
// protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
	GetStatus(ctx context.Context, addr string) ([]byte, error)
	PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
	PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
	PostPropose(ctx context.Context, addr string, req ProposeRequest) (ProposeResponse, error)
	GetValue(ctx context.Context, addr string, req ReadRequest) (ReadResponse, error)
}
