package grpc

import (
    "context"
    "errors"
    "sync/atomic"
    "testing"
    "time"

    "google.golang.org/grpc"

    "github.com/amirimatin/go-snapshot/pkg/transport"
)

func startServer(t *testing.T, h transport.Handlers) string {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    s := NewServer("127.0.0.1:0")
    if err := s.Start(ctx, h); err != nil { t.Fatalf("start: %v", err) }
    t.Cleanup(func() {
        cancel()
        _ = s.Stop(context.Background())
    })
    return s.Addr()
}

func TestManagement_UnaryCalls(t *testing.T) {
    addr := startServer(t, transport.Handlers{
        Status: func(ctx context.Context) ([]byte, error) { return []byte(`{"healthy":true}`), nil },
        Initiate: func(ctx context.Context, req transport.InitiateRequest) (transport.InitiateResponse, error) {
            return transport.InitiateResponse{SnapshotID: req.SnapshotID, Snapshot: []byte(`{"snapshotId":"x"}`)}, nil
        },
        Assemble: func(ctx context.Context, req transport.AssembleRequest) (transport.AssembleResponse, error) {
            return transport.AssembleResponse{SnapshotID: req.SnapshotID, Complete: true}, nil
        },
        Site: func(ctx context.Context, req transport.SiteRequest) (transport.SiteResponse, error) {
            if req.ID != "a" { return transport.SiteResponse{Error: "unknown site"}, nil }
            return transport.SiteResponse{Accepted: true}, nil
        },
    })
    c := NewClient(2 * time.Second)
    defer c.Close()
    ctx := context.Background()

    b, err := c.GetStatus(ctx, addr)
    if err != nil || string(b) != `{"healthy":true}` { t.Fatalf("status = %s, %v", b, err) }

    ir, err := c.PostInitiate(ctx, addr, transport.InitiateRequest{SnapshotID: "x", Wait: true})
    if err != nil || ir.SnapshotID != "x" || len(ir.Snapshot) == 0 { t.Fatalf("initiate = %+v, %v", ir, err) }

    ar, err := c.PostAssemble(ctx, addr, transport.AssembleRequest{SnapshotID: "x"})
    if err != nil || !ar.Complete { t.Fatalf("assemble = %+v, %v", ar, err) }

    if _, err := c.PostSite(ctx, addr, transport.SiteRequest{ID: "z"}); err == nil || err.Error() != "unknown site" {
        t.Fatalf("want unknown site, got %v", err)
    }
}

func TestManagement_WatchStreams(t *testing.T) {
    addr := startServer(t, transport.Handlers{
        Watch: func(ctx context.Context) <-chan transport.WatchEvent {
            out := make(chan transport.WatchEvent, 3)
            for _, id := range []string{"s1", "s2", "s3"} {
                out <- transport.WatchEvent{Type: "snapshot_complete", SnapshotID: id}
            }
            close(out)
            return out
        },
    })
    c := NewClient(2 * time.Second)
    defer c.Close()
    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    var got []string
    if err := c.Watch(ctx, addr, func(ev transport.WatchEvent) { got = append(got, ev.SnapshotID) }); err != nil {
        t.Fatalf("watch: %v", err)
    }
    if len(got) != 3 || got[0] != "s1" || got[2] != "s3" { t.Fatalf("events = %v", got) }
}

func TestConnManager_Reuses(t *testing.T) {
    addr := startServer(t, transport.Handlers{Status: func(ctx context.Context) ([]byte, error) { return []byte("{}"), nil }})
    c := NewClient(time.Second)
    defer c.Close()
    for i := 0; i < 3; i++ {
        if _, err := c.GetStatus(context.Background(), addr); err != nil { t.Fatal(err) }
    }
    c.cm.mu.Lock()
    n := len(c.cm.conns)
    c.cm.mu.Unlock()
    if n != 1 { t.Fatalf("cached conns = %d", n) }
}

func TestConnManager_EvictsIdleOnly(t *testing.T) {
    addr := startServer(t, transport.Handlers{})
    c := NewClient(time.Second)
    m := NewConnManager(time.Hour, c.dial)
    defer m.Close()
    _, rel, err := m.Get(context.Background(), addr)
    if err != nil { t.Fatal(err) }
    m.evictIdle(time.Now().Add(time.Minute))
    if len(m.conns) != 1 { t.Fatalf("evicted a referenced conn") }
    rel()
    m.evictIdle(time.Now().Add(time.Minute))
    if len(m.conns) != 0 { t.Fatalf("idle conn survived eviction") }
}

func TestConnManager_FailedDialIsNotCached(t *testing.T) {
    var calls atomic.Int32
    m := NewConnManager(time.Hour, func(ctx context.Context, target string) (*grpc.ClientConn, error) {
        calls.Add(1)
        return nil, errors.New("refused")
    })
    defer m.Close()
    for i := 0; i < 2; i++ {
        if _, _, err := m.Get(context.Background(), "127.0.0.1:1"); err == nil { t.Fatalf("dial error swallowed") }
    }
    if calls.Load() != 2 { t.Fatalf("dialer calls = %d, want 2", calls.Load()) }
    m.mu.Lock()
    defer m.mu.Unlock()
    if len(m.conns) != 0 { t.Fatalf("failed dial was cached") }
}
