package grpc

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	obsmetrics "github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/observability/tracing"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
	bind string
	lis  net.Listener
	srv  *grpc.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type statusBlob struct {
	Data []byte `json:"data"`
}

// managementServer defines the methods we expose.
type managementServer interface {
	GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
	Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error)
	Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error)
	Propose(ctx context.Context, in *transport.ProposeRequest) (*transport.ProposeResponse, error)
	Read(ctx context.Context, in *transport.ReadRequest) (*transport.ReadResponse, error)
}

type mgmtImpl struct {
	status  transport.StatusFunc
	join    transport.JoinFunc
	leave   transport.LeaveFunc
	propose transport.ProposeFunc
	read    transport.ReadFunc
}

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.status")
	defer end()
	b, err := m.status(ctx)
	if err != nil {
		return nil, err
	}
	return &statusBlob{Data: b}, nil
}

func (m *mgmtImpl) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
	if in == nil {
		in = &transport.JoinRequest{}
	}
	if m.join == nil {
		return &transport.JoinResponse{Accepted: false, Error: "join not supported"}, nil
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.join")
	defer end()
	out, err := m.join(ctx, *in)
	if err != nil {
		obsmetrics.JoinRequests.WithLabelValues("error").Inc()
		return &transport.JoinResponse{Accepted: false, Error: err.Error()}, nil
	}
	return &out, nil
}

func (m *mgmtImpl) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
	if in == nil {
		in = &transport.LeaveRequest{}
	}
	if m.leave == nil {
		return &transport.LeaveResponse{Accepted: false, Error: "leave not supported"}, nil
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.leave")
	defer end()
	out, err := m.leave(ctx, *in)
	if err != nil {
		return &transport.LeaveResponse{Accepted: false, Error: err.Error()}, nil
	}
	return &out, nil
}

func (m *mgmtImpl) Propose(ctx context.Context, in *transport.ProposeRequest) (*transport.ProposeResponse, error) {
	if in == nil {
		in = &transport.ProposeRequest{}
	}
	if m.propose == nil {
		return &transport.ProposeResponse{Error: "not implemented"}, nil
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.propose")
	defer end()
	out, err := m.propose(ctx, *in)
	if err != nil {
		return &transport.ProposeResponse{Leader: out.Leader, Error: err.Error()}, nil
	}
	return &out, nil
}

func (m *mgmtImpl) Read(ctx context.Context, in *transport.ReadRequest) (*transport.ReadResponse, error) {
	if in == nil {
		in = &transport.ReadRequest{}
	}
	if m.read == nil {
		return &transport.ReadResponse{Error: "not implemented"}, nil
	}
	out, err := m.read(ctx, *in)
	if err != nil {
		return &transport.ReadResponse{Error: err.Error()}, nil
	}
	return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
	ServiceName: "raft.v1.Management",
	HandlerType: (*managementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
		{MethodName: "Join", Handler: _Management_Join_Handler},
		{MethodName: "Leave", Handler: _Management_Leave_Handler},
		{MethodName: "Propose", Handler: _Management_Propose_Handler},
		{MethodName: "Read", Handler: _Management_Read_Handler},
	},
}

func _Management_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raft.v1.Management/GetStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).GetStatus(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Management_Join_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.JoinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raft.v1.Management/Join"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).Join(ctx, req.(*transport.JoinRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Management_Leave_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.LeaveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).Leave(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raft.v1.Management/Leave"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).Leave(ctx, req.(*transport.LeaveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Management_Propose_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.ProposeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).Propose(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raft.v1.Management/Propose"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).Propose(ctx, req.(*transport.ProposeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Management_Read_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.ReadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raft.v1.Management/Read"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).Read(ctx, req.(*transport.ReadRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, status transport.StatusFunc, join transport.JoinFunc, leave transport.LeaveFunc, propose transport.ProposeFunc, read transport.ReadFunc) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.lis = lis
	srv := grpc.NewServer(serverOptions()...)
	s.srv = srv
	// Health service (always serving for now)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{status: status, join: join, leave: leave, propose: propose, read: read})

	go func() {
		<-ctx.Done()
		// Graceful stop with a small timeout fallback
		ch := make(chan struct{})
		go func() { srv.GracefulStop(); close(ch) }()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			srv.Stop()
		}
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

// Addr returns the listen address once started, else the configured bind.
func (s *Server) Addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ch := make(chan struct{})
	go func() { s.srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		s.srv.Stop()
	}
	s.srv = nil
	if s.lis != nil {
		_ = s.lis.Close()
	}
	return nil
}

var _ transport.RPCServer = (*Server)(nil)
