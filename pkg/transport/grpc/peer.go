package grpc

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lni/goutils/syncutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/amirimatin/go-raft/pkg/internal/logutil"
	"github.com/amirimatin/go-raft/pkg/raftlog"
	"github.com/amirimatin/go-raft/pkg/snapshot"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// peerRequest is the wire form of every consensus RPC. Snapshots travel
// encoded, optionally snappy compressed.
type peerRequest struct {
	From     string                          `json:"from"`
	To       string                          `json:"to"`
	Vote     *transport.RequestVoteRequest   `json:"vote,omitempty"`
	Append   *transport.AppendEntriesRequest `json:"append,omitempty"`
	Install  *installHeader                  `json:"install,omitempty"`
	Snapshot []byte                          `json:"snapshot,omitempty"`
}

type installHeader struct {
	Term     uint64 `json:"term"`
	LeaderID string `json:"leaderId"`
}

type peerResponse struct {
	Vote    *transport.RequestVoteResponse     `json:"vote,omitempty"`
	Append  *transport.AppendEntriesResponse   `json:"append,omitempty"`
	Install *transport.InstallSnapshotResponse `json:"install,omitempty"`
}

var methods = map[string]string{
	transport.RPCRequestVote:     "RequestVote",
	transport.RPCAppendEntries:   "AppendEntries",
	transport.RPCInstallSnapshot: "InstallSnapshot",
}

func encodeRequest(from, to string, m transport.Message, compress bool) (*peerRequest, error) {
	in := &peerRequest{From: from, To: to}
	switch r := m.(type) {
	case transport.RequestVoteRequest:
		in.Vote = &r
	case transport.AppendEntriesRequest:
		in.Append = &r
	case transport.InstallSnapshotRequest:
		b, err := snapshot.Encode(r.Snapshot, compress)
		if err != nil {
			return nil, err
		}
		in.Install = &installHeader{Term: r.Term, LeaderID: r.LeaderID}
		in.Snapshot = b
	default:
		return nil, errors.Newf("transport/grpc: unsupported request %T", m)
	}
	return in, nil
}

func (in *peerRequest) message() (transport.Message, error) {
	switch {
	case in.Vote != nil:
		return *in.Vote, nil
	case in.Append != nil:
		return *in.Append, nil
	case in.Install != nil:
		s, err := snapshot.Decode(in.Snapshot)
		if err != nil {
			return nil, err
		}
		return transport.InstallSnapshotRequest{Term: in.Install.Term, LeaderID: in.Install.LeaderID, Snapshot: s}, nil
	}
	return nil, errors.New("transport/grpc: empty request")
}

func encodeResponse(m transport.Message) (*peerResponse, error) {
	out := &peerResponse{}
	switch r := m.(type) {
	case transport.RequestVoteResponse:
		out.Vote = &r
	case transport.AppendEntriesResponse:
		out.Append = &r
	case transport.InstallSnapshotResponse:
		out.Install = &r
	default:
		return nil, errors.Newf("transport/grpc: unsupported response %T", m)
	}
	return out, nil
}

func (out *peerResponse) message() (transport.Message, error) {
	switch {
	case out.Vote != nil:
		return *out.Vote, nil
	case out.Append != nil:
		return *out.Append, nil
	case out.Install != nil:
		return *out.Install, nil
	}
	return nil, errors.New("transport/grpc: empty response")
}

// TransportOptions configure a peer Transport.
type TransportOptions struct {
	// Bind is the listen address, e.g. "127.0.0.1:9520" or ":0".
	Bind string
	// Timeout bounds every call (default 1s).
	Timeout time.Duration
	// Peers maps node ids to their Bind addresses.
	Peers map[string]string
	// Compress snappy-compresses snapshots on the wire.
	Compress bool
	Logger   *log.Logger
}

// Transport implements transport.Transport over gRPC (service raft.v1.Raft)
// with the JSON codec. Each Send runs on its own worker goroutine.
type Transport struct {
	opts TransportOptions
	lis  net.Listener
	srv  *grpc.Server
	cm   *ConnManager

	mu       sync.Mutex
	handlers map[string]transport.Handler
	peers    map[string]string
	calls    map[transport.CallID]context.CancelFunc
	nextID   transport.CallID
	closed   bool
	stopper  *syncutil.Stopper
}

var (
	_ transport.Transport   = (*Transport)(nil)
	_ transport.PeerUpdater = (*Transport)(nil)
)

// NewTransport listens on opts.Bind and starts serving.
func NewTransport(opts TransportOptions) (*Transport, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	lis, err := net.Listen("tcp", opts.Bind)
	if err != nil {
		return nil, errors.Wrapf(err, "transport/grpc: listen %s", opts.Bind)
	}
	t := &Transport{
		opts:     opts,
		lis:      lis,
		handlers: make(map[string]transport.Handler),
		peers:    make(map[string]string),
		calls:    make(map[transport.CallID]context.CancelFunc),
		stopper:  syncutil.NewStopper(),
	}
	for id, addr := range opts.Peers {
		t.peers[id] = addr
	}
	t.cm = NewConnManager(30*time.Second, dialJSON)
	t.srv = grpc.NewServer(serverOptions()...)
	healthpb.RegisterHealthServer(t.srv, health.NewServer())
	t.srv.RegisterService(&_Raft_serviceDesc, &peerImpl{t: t})
	go func() {
		if err := t.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logutil.Errorf(t.opts.Logger, "transport/grpc: serve: %v", err)
		}
	}()
	return t, nil
}

// Addr returns the address the transport listens on.
func (t *Transport) Addr() string { return t.lis.Addr().String() }

func (t *Transport) Register(id string, h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.handlers[id] = h
	return nil
}

// UpdatePeers replaces the address book with the members of a configuration.
// Members without an address keep their previous entry.
func (t *Transport) UpdatePeers(members []raftlog.Member) {
	t.mu.Lock()
	next := make(map[string]string, len(members))
	for _, m := range members {
		addr := m.Addr
		if addr == "" {
			addr = t.peers[m.ID]
		}
		if addr != "" {
			next[m.ID] = addr
		}
	}
	var gone []string
	for id, addr := range t.peers {
		if next[id] != addr {
			gone = append(gone, addr)
		}
	}
	t.peers = next
	t.mu.Unlock()
	for _, addr := range gone {
		t.cm.Forget(addr)
	}
}

func (t *Transport) Send(from, to string, req transport.Message, fn transport.ResponseHandler) transport.CallID {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	if t.closed {
		t.mu.Unlock()
		return id
	}
	addr, known := t.peers[to]
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.Timeout)
	t.calls[id] = cancel
	t.mu.Unlock()

	t.stopper.RunWorker(func() {
		defer t.finish(id)
		if !known {
			fn(errors.Wrapf(transport.ErrInvalidPeer, "no address for %q", to), id, to, nil)
			return
		}
		resp, err := t.invoke(ctx, addr, from, to, req)
		fn(err, id, to, resp)
	})
	return id
}

func (t *Transport) finish(id transport.CallID) {
	t.mu.Lock()
	if cancel, ok := t.calls[id]; ok {
		cancel()
		delete(t.calls, id)
	}
	t.mu.Unlock()
}

// Cancel aborts the call's context; its handler sees ErrRequestFailed.
func (t *Transport) Cancel(id transport.CallID) {
	t.mu.Lock()
	cancel, ok := t.calls[id]
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

func (t *Transport) invoke(ctx context.Context, addr, from, to string, req transport.Message) (transport.Message, error) {
	in, err := encodeRequest(from, to, req, t.opts.Compress)
	if err != nil {
		return nil, err
	}
	cc, release, err := t.cm.Get(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(transport.ErrRequestFailed, "dial %s (%s): %v", to, addr, err)
	}
	defer release()
	out := new(peerResponse)
	if err := cc.Invoke(ctx, "/raft.v1.Raft/"+methods[req.RPC()], in, out); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.Wrapf(transport.ErrInvalidPeer, "%s: %v", to, err)
		}
		return nil, errors.Wrapf(transport.ErrRequestFailed, "%s to %s: %v", req.RPC(), to, err)
	}
	return out.message()
}

// Close stops serving, aborts outstanding calls and waits for their workers.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, cancel := range t.calls {
		cancel()
	}
	t.mu.Unlock()
	t.stopper.Stop()
	t.srv.Stop()
	t.cm.Close()
	return nil
}

type peerServer interface {
	Call(ctx context.Context, in *peerRequest) (*peerResponse, error)
}

type peerImpl struct{ t *Transport }

type handlerResult struct {
	resp transport.Message
	err  error
}

func (p *peerImpl) Call(ctx context.Context, in *peerRequest) (*peerResponse, error) {
	p.t.mu.Lock()
	h := p.t.handlers[in.To]
	p.t.mu.Unlock()
	if h == nil {
		return nil, status.Errorf(codes.NotFound, "node %q is not served here", in.To)
	}
	req, err := in.message()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ch := make(chan handlerResult, 1)
	h(in.From, req, func(resp transport.Message, err error) {
		select {
		case ch <- handlerResult{resp, err}:
		default:
		}
	})
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, status.Error(codes.Unavailable, r.err.Error())
		}
		return encodeResponse(r.resp)
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Raft_serviceDesc = grpc.ServiceDesc{
	ServiceName: "raft.v1.Raft",
	HandlerType: (*peerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: peerHandler("RequestVote")},
		{MethodName: "AppendEntries", Handler: peerHandler("AppendEntries")},
		{MethodName: "InstallSnapshot", Handler: peerHandler("InstallSnapshot")},
	},
}

func peerHandler(method string) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(peerRequest)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return srv.(peerServer).Call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raft.v1.Raft/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(peerServer).Call(ctx, req.(*peerRequest))
		}
		return interceptor(ctx, in, info, handler)
	}
}
