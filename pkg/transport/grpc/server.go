package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-snapshot/pkg/observability/tracing"
    "github.com/amirimatin/go-snapshot/pkg/transport"
)

const serviceName = "snapshot.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    tlsCfg *tls.Config

    mu  sync.Mutex
    lis net.Listener
    srv *grpc.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type statusBlob struct {
    Data []byte `json:"data"`
}

// managementServer defines the methods we expose.
type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
    Initiate(ctx context.Context, in *transport.InitiateRequest) (*transport.InitiateResponse, error)
    Assemble(ctx context.Context, in *transport.AssembleRequest) (*transport.AssembleResponse, error)
    SetSite(ctx context.Context, in *transport.SiteRequest) (*transport.SiteResponse, error)
    Watch(in *empty, stream grpc.ServerStream) error
}

type mgmtImpl struct{ h transport.Handlers }

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    if m.h.Status == nil { return nil, status.Error(codes.Unimplemented, "status not supported") }
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    b, err := m.h.Status(ctx)
    if err != nil { return nil, err }
    return &statusBlob{Data: b}, nil
}

func (m *mgmtImpl) Initiate(ctx context.Context, in *transport.InitiateRequest) (*transport.InitiateResponse, error) {
    if m.h.Initiate == nil { return &transport.InitiateResponse{Error: "initiate not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.initiate")
    defer end()
    out, err := m.h.Initiate(ctx, *in)
    if err != nil { return &transport.InitiateResponse{Error: err.Error()}, nil }
    return &out, nil
}

func (m *mgmtImpl) Assemble(ctx context.Context, in *transport.AssembleRequest) (*transport.AssembleResponse, error) {
    if m.h.Assemble == nil { return &transport.AssembleResponse{SnapshotID: in.SnapshotID, Error: "assemble not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.assemble")
    defer end()
    out, err := m.h.Assemble(ctx, *in)
    if err != nil { return &transport.AssembleResponse{SnapshotID: in.SnapshotID, Error: err.Error()}, nil }
    return &out, nil
}

func (m *mgmtImpl) SetSite(ctx context.Context, in *transport.SiteRequest) (*transport.SiteResponse, error) {
    if m.h.Site == nil { return &transport.SiteResponse{Error: "site not supported"}, nil }
    out, err := m.h.Site(ctx, *in)
    if err != nil { return &transport.SiteResponse{Error: err.Error()}, nil }
    return &out, nil
}

// Watch streams events until the client goes away or the source closes.
func (m *mgmtImpl) Watch(_ *empty, stream grpc.ServerStream) error {
    if m.h.Watch == nil { return status.Error(codes.Unimplemented, "watch not supported") }
    for ev := range m.h.Watch(stream.Context()) {
        ev := ev
        if err := stream.SendMsg(&ev); err != nil { return err }
    }
    return nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var managementServiceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: unary("GetStatus", managementServer.GetStatus)},
        {MethodName: "Initiate", Handler: unary("Initiate", managementServer.Initiate)},
        {MethodName: "Assemble", Handler: unary("Assemble", managementServer.Assemble)},
        {MethodName: "SetSite", Handler: unary("SetSite", managementServer.SetSite)},
    },
    Streams: []grpc.StreamDesc{{
        StreamName:    "Watch",
        ServerStreams: true,
        Handler:       watchHandler,
    }},
}

// unary builds a grpc.MethodDesc handler for one management method.
func unary[Req, Resp any](method string, call func(managementServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
    full := "/" + serviceName + "/" + method
    return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
        in := new(Req)
        if err := dec(in); err != nil { return nil, err }
        if interceptor == nil { return call(srv.(managementServer), ctx, in) }
        info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
        handler := func(ctx context.Context, req any) (any, error) {
            return call(srv.(managementServer), ctx, req.(*Req))
        }
        return interceptor(ctx, in, info, handler)
    }
}

func watchHandler(srv any, stream grpc.ServerStream) error {
    m := new(empty)
    if err := stream.RecvMsg(m); err != nil { return err }
    return srv.(managementServer).Watch(m, stream)
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    // Force JSON codec to avoid requiring protobuf types
    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
    // keepalive settings for long-lived watch streams
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    // Health service (always serving for now)
    healthpb.RegisterHealthServer(srv, health.NewServer())
    srv.RegisterService(&managementServiceDesc, &mgmtImpl{h: h})

    s.mu.Lock()
    s.lis, s.srv = lis, srv
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv, s.lis = nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    // open watch streams would hold GracefulStop forever
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
