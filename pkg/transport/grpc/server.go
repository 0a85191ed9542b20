package grpc

import (
    "context"
    "crypto/tls"
    "fmt"
    "net"
    "sync"
    "time"

    "go.uber.org/zap"
    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/observability/tracing"
    "github.com/amirimatin/go-group/pkg/protocol"
    "github.com/amirimatin/go-group/pkg/transport"
)

const (
    managementService = "group.v1.Management"
    broadcastService  = "group.v1.Broadcast"
)

// Server hosts the management service, the gRPC health service and, on the sequencer
// node, the ordered broadcast service.
type Server struct {
    bind   string
    tlsCfg *tls.Config
    log    *zap.Logger

    mu     sync.Mutex
    lis    net.Listener
    srv    *grpc.Server
    health *health.Server
    seq    *transport.Sequencer
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

func (s *Server) UseLogger(l *zap.Logger) *Server { s.log = l; return s }

// EnableSequencer makes this server order broadcasts for the group. Must be called
// before Start.
func (s *Server) EnableSequencer() *Server {
    s.seq = transport.NewSequencer(s.log)
    return s
}

// internal request/response types used over gRPC JSON codec
type empty struct{}
type statusBlob struct{ Data []byte `json:"data"` }
type subscribeReq struct{ Node membership.Node `json:"node"` }
type submitResp struct{ Seq uint64 `json:"seq"` }

type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
    Close(ctx context.Context, in *transport.CloseRequest) (*transport.CloseResponse, error)
}

type mgmtImpl struct {
    status transport.StatusFunc
    close  transport.CloseFunc
}

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    if m.status == nil { return nil, status.Error(codes.Unimplemented, "status not supported") }
    b, err := m.status(ctx)
    if err != nil { return nil, err }
    return &statusBlob{Data: b}, nil
}

func (m *mgmtImpl) Close(ctx context.Context, in *transport.CloseRequest) (*transport.CloseResponse, error) {
    if in == nil { in = &transport.CloseRequest{} }
    if m.close == nil { return &transport.CloseResponse{Error: "close not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.close")
    defer end()
    out, err := m.close(ctx, *in)
    if err != nil { return &transport.CloseResponse{Error: err.Error()}, nil }
    return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
    ServiceName: managementService,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
        {MethodName: "Close", Handler: _Management_Close_Handler},
    },
}

func _Management_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).GetStatus(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + managementService + "/GetStatus"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).GetStatus(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_Close_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.CloseRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).Close(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + managementService + "/Close"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).Close(ctx, req.(*transport.CloseRequest))
    }
    return interceptor(ctx, in, info, handler)
}

// --- Ordered broadcast ---

type broadcastServer interface {
    Submit(context.Context, *protocol.Envelope) (*submitResp, error)
    Subscribe(*subscribeReq, Broadcast_SubscribeServer) error
}

type Broadcast_SubscribeServer interface {
    Send(*protocol.Envelope) error
    grpc.ServerStream
}

type broadcastImpl struct {
    seq *transport.Sequencer
    log *zap.Logger
}

func (b *broadcastImpl) Submit(ctx context.Context, env *protocol.Envelope) (*submitResp, error) {
    if env == nil || env.Kind == "" { return nil, status.Error(codes.InvalidArgument, "envelope kind required") }
    _, end := tracing.StartSpan(ctx, "grpc.submit", "kind", string(env.Kind))
    defer end()
    n, err := b.seq.Submit(*env)
    if err != nil { return nil, status.Error(codes.InvalidArgument, err.Error()) }
    return &submitResp{Seq: n}, nil
}

func (b *broadcastImpl) Subscribe(req *subscribeReq, stream Broadcast_SubscribeServer) error {
    if req == nil || req.Node.ID == "" { return status.Error(codes.InvalidArgument, "node required") }
    var (
        mu    sync.Mutex
        ended bool
    )
    failed := make(chan error, 1)
    cancel := b.seq.Subscribe(req.Node, func(env protocol.Envelope) error {
        mu.Lock(); defer mu.Unlock()
        if ended { return transport.ErrClosed }
        err := stream.Send(&env)
        if err != nil {
            select {
            case failed <- err:
            default:
            }
        }
        return err
    })
    // The stream must not be written once the handler returns.
    defer func() {
        cancel()
        mu.Lock(); ended = true; mu.Unlock()
    }()
    select {
    case <-stream.Context().Done():
        return nil
    case err := <-failed:
        logutil.Warnf(b.log, "grpc: delivery stream to %s broken: %v", req.Node, err)
        return err
    }
}

var _Broadcast_serviceDesc = grpc.ServiceDesc{
    ServiceName: broadcastService,
    HandlerType: (*broadcastServer)(nil),
    Streams: []grpc.StreamDesc{{
        StreamName:    "Subscribe",
        ServerStreams: true,
        Handler:       _Broadcast_Subscribe_Handler,
    }},
    Methods: []grpc.MethodDesc{{
        MethodName: "Submit",
        Handler:    _Broadcast_Submit_Handler,
    }},
}

func _Broadcast_Subscribe_Handler(srv interface{}, stream grpc.ServerStream) error {
    m := new(subscribeReq)
    if err := stream.RecvMsg(m); err != nil { return err }
    return srv.(broadcastServer).Subscribe(m, &broadcastSubscribeServer{stream})
}

type broadcastSubscribeServer struct{ grpc.ServerStream }

func (x *broadcastSubscribeServer) Send(m *protocol.Envelope) error { return x.ServerStream.SendMsg(m) }

func _Broadcast_Submit_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(protocol.Envelope)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(broadcastServer).Submit(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + broadcastService + "/Submit"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(broadcastServer).Submit(ctx, req.(*protocol.Envelope))
    }
    return interceptor(ctx, in, info, handler)
}

// Start listens and serves. status/close may be nil when the node exposes no
// management API over gRPC.
func (s *Server) Start(ctx context.Context, statusFn transport.StatusFunc, closeFn transport.CloseFunc) error {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.srv != nil { return fmt.Errorf("grpc: %w: server already started", membership.ErrInvalidState) }
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = lis
    // Force JSON codec to avoid requiring protobuf types
    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
    // keepalive settings for long-lived delivery streams
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    s.srv = srv
    s.health = health.NewServer()
    healthpb.RegisterHealthServer(srv, s.health)
    srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{status: statusFn, close: closeFn})
    if s.seq != nil {
        srv.RegisterService(&_Broadcast_serviceDesc, &broadcastImpl{seq: s.seq, log: s.log})
        s.health.SetServingStatus(broadcastService, healthpb.HealthCheckResponse_SERVING)
    }

    go func() {
        <-ctx.Done()
        c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(c)
    }()
    go func() {
        if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
            logutil.Errorf(s.log, "grpc: serve %s: %v", s.bind, err)
        }
    }()
    return nil
}

// Addr returns the actual listen address once started (useful with port 0).
func (s *Server) Addr() string {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// SetServing flips the overall health status reported to pingers.
func (s *Server) SetServing(ok bool) {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.health == nil { return }
    st := healthpb.HealthCheckResponse_SERVING
    if !ok { st = healthpb.HealthCheckResponse_NOT_SERVING }
    s.health.SetServingStatus("", st)
}

func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, lis, hs, seq := s.srv, s.lis, s.health, s.seq
    s.srv, s.lis = nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    if hs != nil { hs.Shutdown() }
    // Delivery streams only end when their subscriptions are dropped.
    if seq != nil { seq.Close() }
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    if lis != nil { _ = lis.Close() }
    return nil
}

var _ transport.ManagementServer = (*Server)(nil)
