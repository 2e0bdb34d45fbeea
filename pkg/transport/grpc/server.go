package grpc

import (
    "context"
    "crypto/tls"
    "errors"
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

    "github.com/amirimatin/rabbit-autocluster/pkg/internal/logutil"
    "github.com/amirimatin/rabbit-autocluster/pkg/observability/metrics"
    "github.com/amirimatin/rabbit-autocluster/pkg/observability/tracing"
    "github.com/amirimatin/rabbit-autocluster/pkg/transport"
)

// ServiceName is the fully qualified management service name.
const ServiceName = "autocluster.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    logger *zap.Logger
    tlsCfg *tls.Config

    mu  sync.Mutex
    lis net.Listener
    srv *grpc.Server
}

func NewServer(bind string, logger *zap.Logger) *Server {
    return &Server{bind: bind, logger: logutil.OrNop(logger)}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type blob struct{ Data []byte `json:"data"` }

// managementServer defines the methods we expose.
type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*blob, error)
    Converge(ctx context.Context, in *empty) (*blob, error)
    Plan(ctx context.Context, in *empty) (*blob, error)
}

type mgmtImpl struct{ h transport.Handlers }

func call(ctx context.Context, name string, fn func(context.Context) ([]byte, error)) (*blob, error) {
    if fn == nil { return nil, status.Errorf(codes.Unimplemented, "%s not supported", name) }
    ctx, end := tracing.StartSpan(ctx, "grpc."+name)
    defer end()
    b, err := fn(ctx)
    if err != nil {
        if errors.Is(err, transport.ErrBusy) { return nil, status.Error(codes.Aborted, err.Error()) }
        return nil, status.Error(codes.Internal, err.Error())
    }
    return &blob{Data: b}, nil
}

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*blob, error) {
    return call(ctx, "status", m.h.Status)
}

func (m *mgmtImpl) Converge(ctx context.Context, _ *empty) (*blob, error) {
    return call(ctx, "converge", m.h.Converge)
}

func (m *mgmtImpl) Plan(ctx context.Context, _ *empty) (*blob, error) {
    return call(ctx, "plan", m.h.Plan)
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
    ServiceName: ServiceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        { MethodName: "GetStatus", Handler: _Management_GetStatus_Handler },
        { MethodName: "Converge", Handler: _Management_Converge_Handler },
        { MethodName: "Plan", Handler: _Management_Plan_Handler },
    },
}

func unary(method string, fn func(managementServer, context.Context, *empty) (*blob, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
    return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
        in := new(empty)
        if err := dec(in); err != nil { return nil, err }
        if interceptor == nil { return fn(srv.(managementServer), ctx, in) }
        info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
        handler := func(ctx context.Context, req interface{}) (interface{}, error) {
            return fn(srv.(managementServer), ctx, req.(*empty))
        }
        return interceptor(ctx, in, info, handler)
    }
}

var (
    _Management_GetStatus_Handler = unary("GetStatus", managementServer.GetStatus)
    _Management_Converge_Handler  = unary("Converge", managementServer.Converge)
    _Management_Plan_Handler      = unary("Plan", managementServer.Plan)
)

// countRequests records every management call in the requests counter.
func countRequests(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
    resp, err := handler(ctx, req)
    result := "ok"
    switch status.Code(err) {
    case codes.OK:
    case codes.Aborted:
        result = "busy"
    case codes.Unimplemented:
        result = "unsupported"
    default:
        result = "error"
    }
    metrics.MgmtRequests.WithLabelValues("grpc", info.FullMethod, result).Inc()
    return resp, err
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    // Force JSON codec to avoid requiring protobuf types
    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
    opts = append(opts, grpc.ChainUnaryInterceptor(countRequests))
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)

    healthSrv := health.NewServer()
    healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
    healthpb.RegisterHealthServer(srv, healthSrv)
    srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{h: h})

    s.mu.Lock()
    s.lis, s.srv = lis, srv
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(c)
    }()
    go func() {
        if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
            logutil.Errorf(s.logger, "grpc: server error: %v", err)
        }
    }()
    logutil.Infof(s.logger, "grpc: management API listening on %s (tls=%v)", lis.Addr().String(), s.tlsCfg != nil)
    return nil
}

// Addr returns the bound address once started, else the configured one.
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
