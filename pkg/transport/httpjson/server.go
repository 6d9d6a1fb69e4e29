package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-snapshot/pkg/internal/logutil"
    "github.com/amirimatin/go-snapshot/pkg/observability/tracing"
    "github.com/amirimatin/go-snapshot/pkg/transport"
)

// Server is a minimal HTTP server exposing the management endpoints:
//
//    GET  /status              cluster status JSON
//    GET  /healthz             liveness probe
//    GET  /metrics             Prometheus collectors
//    POST /snapshots           start a snapshot (InitiateRequest)
//    POST /snapshots/assemble  read a global snapshot (AssembleRequest)
//    POST /sites               switch a site's heartbeat (SiteRequest)
//
// Watching is only offered by the gRPC server.
type Server struct {
    bind   string
    log    logutil.Component
    tlsCfg *tls.Config

    mu   sync.Mutex
    srv  *http.Server
    addr string
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, log: logutil.For(logger, "httpjson")}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Start launches the HTTP server. The server is shut down when ctx is done.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Status == nil { http.Error(w, "status not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        data, err := h.Status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())
    if h.Initiate != nil {
        mux.HandleFunc("/snapshots", post("http.initiate", h.Initiate, func(r transport.InitiateResponse) string { return r.Error }))
    }
    if h.Assemble != nil {
        mux.HandleFunc("/snapshots/assemble", post("http.assemble", h.Assemble, func(r transport.AssembleResponse) string { return r.Error }))
    }
    if h.Site != nil {
        mux.HandleFunc("/sites", post("http.site", h.Site, func(r transport.SiteResponse) string { return r.Error }))
    }

    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }
    srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
    s.mu.Lock()
    s.srv, s.addr = srv, ln.Addr().String()
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            s.log.Errorf("server error: %v", err)
        }
    }()
    return nil
}

// post decodes a JSON request of type Req, invokes fn and encodes its
// response. A handler error yields 500 with the response body still encoded.
func post[Req, Resp any](span string, fn func(context.Context, Req) (Resp, error), errOf func(Resp) string) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        var req Req
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), span)
        defer end()
        resp, err := fn(ctx, req)
        w.Header().Set("Content-Type", "application/json")
        if err != nil {
            w.WriteHeader(http.StatusInternalServerError)
            _ = json.NewEncoder(w).Encode(struct {
                Error string `json:"error"`
            }{Error: err.Error()})
            return
        }
        if errOf(resp) != "" {
            w.WriteHeader(http.StatusUnprocessableEntity)
        }
        _ = json.NewEncoder(w).Encode(resp)
    }
}

// Addr returns the bound address once started, otherwise the configured one.
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
