package cluster

import (
    "context"
    "errors"
    "io"
    "log"
    "testing"
    "time"

    "github.com/amirimatin/go-snapshot/pkg/clock"
    "github.com/amirimatin/go-snapshot/pkg/election"
    "github.com/amirimatin/go-snapshot/pkg/snapshot"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func startCluster(t *testing.T, opts Options) *Cluster {
    t.Helper()
    if opts.Logger == nil { opts.Logger = quiet() }
    if opts.HeartbeatInterval == 0 { opts.HeartbeatInterval = 20 * time.Millisecond }
    if opts.SnapshotTimeout == 0 { opts.SnapshotTimeout = 2 * time.Second }
    if opts.Seed == 0 { opts.Seed = 7 }
    c, err := New(opts)
    if err != nil { t.Fatalf("new: %v", err) }
    if err := c.Start(context.Background()); err != nil { t.Fatalf("start: %v", err) }
    t.Cleanup(func() { _ = c.Close() })
    return c
}

func sites(ids ...string) []Site {
    out := make([]Site, 0, len(ids))
    for i, id := range ids { out = append(out, Site{ID: id, Strength: int64(10 * (i + 1))}) }
    return out
}

func TestOptions_Validate(t *testing.T) {
    cases := []struct {
        name string
        opts Options
        ok   bool
    }{
        {"no sites", Options{}, false},
        {"empty id", Options{Sites: []Site{{ID: ""}}}, false},
        {"duplicate", Options{Sites: sites("a", "a")}, false},
        {"unknown edge", Options{Sites: sites("a", "b"), Edges: []Edge{{From: "a", To: "z"}}}, false},
        {"self edge", Options{Sites: sites("a", "b"), Edges: []Edge{{From: "a", To: "a"}}}, false},
        {"unknown initiator", Options{Sites: sites("a"), Initiator: "z"}, false},
        {"ring", Options{Sites: sites("a", "b", "c")}, true},
        {"edges", Options{Sites: sites("a", "b"), Edges: []Edge{{From: "a", To: "b"}}, Initiator: "b"}, true},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            err := tc.opts.Validate()
            if tc.ok && err != nil { t.Fatalf("unexpected error: %v", err) }
            if !tc.ok && err == nil { t.Fatalf("expected an error") }
        })
    }
}

func TestCluster_SnapshotAndWait(t *testing.T) {
    c := startCluster(t, Options{Sites: sites("a", "b", "c"), TrafficInterval: 5 * time.Millisecond})
    time.Sleep(50 * time.Millisecond)
    gs, err := c.SnapshotAndWait(context.Background(), "")
    if err != nil { t.Fatalf("snapshot: %v", err) }
    if len(gs.Records) != 3 { t.Fatalf("want 3 records, got %d", len(gs.Records)) }
    if err := snapshot.Verify(gs); err != nil { t.Fatalf("verify: %v", err) }
    for id, rec := range gs.Records {
        l, err := DecodeLoad(rec.LocalState)
        if err != nil { t.Fatalf("%s: decode load: %v", id, err) }
        if l.CPU < 10 || l.CPU > 90 || l.MemoryMB < 100 || l.MemoryMB > 800 {
            t.Fatalf("%s: load out of range: %+v", id, l)
        }
    }
    if got, ok := c.Assemble(gs.SnapshotID); !ok || got.SnapshotID != gs.SnapshotID {
        t.Fatalf("assemble after wait: %v", ok)
    }
}

func TestCluster_SnapshotEvents(t *testing.T) {
    c := startCluster(t, Options{Sites: sites("a", "b", "c")})
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    evs := c.Subscribe(ctx)
    id, err := c.Snapshot(context.Background(), "b")
    if err != nil { t.Fatalf("snapshot: %v", err) }
    records, complete := 0, false
    deadline := time.After(3 * time.Second)
    for records < 3 || !complete {
        select {
        case ev := <-evs:
            if ev.SnapshotID != id { continue }
            switch ev.Type {
            case EventRecordComplete:
                records++
            case EventSnapshotComplete:
                complete = true
            case EventSnapshotTimeout:
                t.Fatalf("snapshot timed out: %v", ev.Details)
            }
        case <-deadline:
            t.Fatalf("snapshot %s: %d record event(s), complete=%v", id, records, complete)
        }
    }
}

func TestCluster_FailureTriggersSnapshotAndElection(t *testing.T) {
    var got = make(chan election.Result, 4)
    c := startCluster(t, Options{
        Sites:          sites("a", "b", "c"),
        OnLeaderChange: func(r election.Result) { got <- r },
    })
    first := <-got
    if first.Winner != "c" { t.Fatalf("initial coordinator = %s, want c", first.Winner) }

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    evs := c.Subscribe(ctx)
    if err := c.SetOnline("c", false); err != nil { t.Fatal(err) }

    var sawFailed, sawSnapshot bool
    deadline := time.After(5 * time.Second)
    for {
        select {
        case ev := <-evs:
            switch ev.Type {
            case EventSiteFailed:
                if ev.Site == "c" { sawFailed = true }
            case EventSnapshotComplete:
                sawSnapshot = true
            case EventLeaderChanged:
                if !sawFailed || !sawSnapshot {
                    t.Fatalf("leader change before failure handling (failed=%v snapshot=%v)", sawFailed, sawSnapshot)
                }
                if ev.Election == nil || ev.Election.Winner != "b" {
                    t.Fatalf("winner = %+v, want b", ev.Election)
                }
                st, err := c.Status(context.Background())
                if err != nil { t.Fatal(err) }
                if st.Leader != "b" || st.Healthy { t.Fatalf("status = %+v", st) }
                return
            }
        case <-deadline:
            t.Fatalf("no election after failure (failed=%v snapshot=%v)", sawFailed, sawSnapshot)
        }
    }
}

func TestCluster_Errors(t *testing.T) {
    c, err := New(Options{Sites: sites("a", "b"), Logger: quiet()})
    if err != nil { t.Fatal(err) }
    if _, err := c.Snapshot(context.Background(), ""); !errors.Is(err, ErrNotStarted) {
        t.Fatalf("want ErrNotStarted, got %v", err)
    }
    if err := c.SetOnline("z", false); !errors.Is(err, ErrUnknownSite) {
        t.Fatalf("want ErrUnknownSite, got %v", err)
    }

    c = startCluster(t, Options{Sites: sites("a", "b")})
    if _, err := c.Snapshot(context.Background(), "z"); !errors.Is(err, ErrUnknownSite) {
        t.Fatalf("want ErrUnknownSite, got %v", err)
    }
    if err := c.Stop(context.Background()); err != nil { t.Fatal(err) }
    if err := c.Stop(context.Background()); err != nil { t.Fatalf("second stop: %v", err) }
    if _, err := c.Status(context.Background()); !errors.Is(err, ErrNotStarted) {
        t.Fatalf("status after stop: %v", err)
    }
}

func TestCluster_StatusReportsSites(t *testing.T) {
    c := startCluster(t, Options{Sites: sites("a", "b", "c"), Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}}})
    st, err := c.Status(context.Background())
    if err != nil { t.Fatal(err) }
    if len(st.Sites) != 3 || st.Leader != "c" || !st.Healthy {
        t.Fatalf("status = %+v", st)
    }
    if st.Sites[1].Strength != 20 { t.Fatalf("strength of b = %d", st.Sites[1].Strength) }
    if st.Replication != nil { t.Fatalf("unexpected replication status") }
}

type failingGossip struct{ stopped bool }

func (g *failingGossip) Start(context.Context) error { return errors.New("bind: address in use") }
func (g *failingGossip) Join([]string) error         { return nil }
func (g *failingGossip) Stop() error                 { g.stopped = true; return nil }

func TestCluster_FailedStartTearsDown(t *testing.T) {
    g := &failingGossip{}
    c, err := New(Options{Sites: sites("a", "b"), Gossip: g, Logger: quiet(), HeartbeatInterval: 20 * time.Millisecond})
    if err != nil { t.Fatal(err) }
    if err := c.Start(context.Background()); err == nil { t.Fatalf("start with failing gossip succeeded") }
    if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
        t.Fatalf("restart after failure: want ErrClosed, got %v", err)
    }

    done := make(chan error, 1)
    go func() { done <- c.Close() }()
    select {
    case err := <-done:
        if err != nil { t.Fatalf("close: %v", err) }
    case <-time.After(3 * time.Second):
        t.Fatalf("close blocked after a failed start")
    }
    if !g.stopped { t.Fatalf("gossip not stopped after failed start") }
    if _, err := c.Snapshot(context.Background(), "a"); !errors.Is(err, ErrNotStarted) {
        t.Fatalf("snapshot after failed start: %v", err)
    }
}

func TestCluster_TrafficReachesNeighbours(t *testing.T) {
    c := startCluster(t, Options{Sites: sites("a", "b", "c"), TrafficInterval: 2 * time.Millisecond})
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        delivered := 0
        for _, id := range c.Sites() {
            p, _ := c.Network().Process(id)
            for _, e := range p.History() {
                if e.Kind == clock.EntryReceive && e.Note == "" { delivered++ }
            }
        }
        if delivered > 0 { return }
        time.Sleep(10 * time.Millisecond)
    }
    t.Fatalf("no application message was delivered")
}
