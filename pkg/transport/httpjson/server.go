package httpjson

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "github.com/amirimatin/rabbit-autocluster/pkg/internal/logutil"
    "github.com/amirimatin/rabbit-autocluster/pkg/observability/metrics"
    "github.com/amirimatin/rabbit-autocluster/pkg/observability/tracing"
    "github.com/amirimatin/rabbit-autocluster/pkg/transport"
)

// Server exposes the controller's management endpoints over HTTP: status,
// converge and plan, plus healthz and Prometheus metrics.
type Server struct {
    bind   string
    logger *zap.Logger
    tlsCfg *tls.Config

    mu   sync.Mutex
    srv  *http.Server
    addr string
}

// NewServer binds to the given TCP address (e.g., "127.0.0.1:15690").
func NewServer(bind string, logger *zap.Logger) *Server {
    return &Server{bind: bind, logger: logutil.OrNop(logger)}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler builds the management mux. Exposed for tests and embedding.
func Handler(h transport.Handlers) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", endpoint(http.MethodGet, "status", h.Status))
    mux.HandleFunc("/converge", endpoint(http.MethodPost, "converge", h.Converge))
    mux.HandleFunc("/plan", endpoint(http.MethodGet, "plan", h.Plan))
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())
    return mux
}

func endpoint(method, name string, fn func(context.Context) ([]byte, error)) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if r.Method != method { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if fn == nil {
            metrics.MgmtRequests.WithLabelValues("http", name, "unsupported").Inc()
            http.Error(w, name+" not supported", http.StatusNotImplemented)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http."+name)
        defer end()
        data, err := fn(ctx)
        if err != nil {
            code := http.StatusInternalServerError
            result := "error"
            if errors.Is(err, transport.ErrBusy) { code = http.StatusConflict; result = "busy" }
            metrics.MgmtRequests.WithLabelValues("http", name, result).Inc()
            http.Error(w, fmt.Sprintf("%s error: %v", name, err), code)
            return
        }
        metrics.MgmtRequests.WithLabelValues("http", name, "ok").Inc()
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    }
}

// Start launches the HTTP server with handlers backed by h. The server is
// shut down when the context is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }
    srv := &http.Server{Handler: Handler(h), ReadHeaderTimeout: 10 * time.Second}
    s.mu.Lock()
    s.srv = srv
    s.addr = ln.Addr().String()
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    logutil.Infof(s.logger, "httpjson: management API listening on %s (tls=%v)", s.addr, s.tlsCfg != nil)
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.addr != "" { return s.addr }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}

var _ transport.RPCServer = (*Server)(nil)
