package httpjson

import (
    "context"
    "encoding/json"
    "errors"
    "io"
    "log"
    "sync/atomic"
    "testing"
    "time"

    "github.com/amirimatin/go-snapshot/pkg/transport"
)

func startServer(t *testing.T, h transport.Handlers) string {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    s := NewServer("127.0.0.1:0", log.New(io.Discard, "", 0))
    if err := s.Start(ctx, h); err != nil { t.Fatalf("start: %v", err) }
    t.Cleanup(func() {
        cancel()
        _ = s.Stop(context.Background())
    })
    return s.Addr()
}

func TestServerClient_RoundTrip(t *testing.T) {
    var gotSite atomic.Value
    addr := startServer(t, transport.Handlers{
        Status: func(ctx context.Context) ([]byte, error) { return []byte(`{"healthy":true}`), nil },
        Initiate: func(ctx context.Context, req transport.InitiateRequest) (transport.InitiateResponse, error) {
            return transport.InitiateResponse{SnapshotID: "s-" + req.Initiator}, nil
        },
        Assemble: func(ctx context.Context, req transport.AssembleRequest) (transport.AssembleResponse, error) {
            return transport.AssembleResponse{SnapshotID: req.SnapshotID, Complete: false, Missing: []string{"b"}}, nil
        },
        Site: func(ctx context.Context, req transport.SiteRequest) (transport.SiteResponse, error) {
            gotSite.Store(req)
            return transport.SiteResponse{Accepted: true}, nil
        },
    })
    c := NewClient(time.Second)
    ctx := context.Background()

    b, err := c.GetStatus(ctx, addr)
    if err != nil { t.Fatalf("status: %v", err) }
    var st struct{ Healthy bool }
    if err := json.Unmarshal(b, &st); err != nil || !st.Healthy { t.Fatalf("status body %s", b) }

    ir, err := c.PostInitiate(ctx, addr, transport.InitiateRequest{Initiator: "a"})
    if err != nil || ir.SnapshotID != "s-a" { t.Fatalf("initiate = %+v, %v", ir, err) }

    ar, err := c.PostAssemble(ctx, addr, transport.AssembleRequest{SnapshotID: "s-a"})
    if err != nil || ar.Complete || len(ar.Missing) != 1 { t.Fatalf("assemble = %+v, %v", ar, err) }

    sr, err := c.PostSite(ctx, addr, transport.SiteRequest{ID: "b", Online: false})
    if err != nil || !sr.Accepted { t.Fatalf("site = %+v, %v", sr, err) }
    if seen, _ := gotSite.Load().(transport.SiteRequest); seen.ID != "b" || seen.Online {
        t.Fatalf("server saw %+v", seen)
    }
}

func TestClient_ApplicationErrorIsNotRetried(t *testing.T) {
    var calls atomic.Int32
    addr := startServer(t, transport.Handlers{
        Site: func(ctx context.Context, req transport.SiteRequest) (transport.SiteResponse, error) {
            calls.Add(1)
            return transport.SiteResponse{Error: "unknown site"}, nil
        },
    })
    _, err := NewClient(time.Second).PostSite(context.Background(), addr, transport.SiteRequest{ID: "z"})
    if err == nil || err.Error() != "unknown site" { t.Fatalf("want application error, got %v", err) }
    if n := calls.Load(); n != 1 { t.Fatalf("handler called %d times", n) }
}

func TestServer_UnsupportedRoutes(t *testing.T) {
    addr := startServer(t, transport.Handlers{})
    c := NewClient(500 * time.Millisecond)
    if _, err := c.GetStatus(context.Background(), addr); err == nil {
        t.Fatalf("status without handler should fail")
    }
    _, err := c.PostInitiate(context.Background(), addr, transport.InitiateRequest{})
    if err == nil || errors.Is(err, context.DeadlineExceeded) { t.Fatalf("initiate without handler: %v", err) }
}
