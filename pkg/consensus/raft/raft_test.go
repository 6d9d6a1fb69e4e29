package raftcons

import (
    "context"
    "errors"
    "io"
    "log"
    "testing"
    "time"

    "go.uber.org/goleak"

    "github.com/amirimatin/go-snapshot/pkg/channel"
    c "github.com/amirimatin/go-snapshot/pkg/consensus"
    "github.com/amirimatin/go-snapshot/pkg/snapshot"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func awaitLeader(t *testing.T, n *Node) {
    t.Helper()
    deadline := time.Now().Add(3 * time.Second)
    for time.Now().Before(deadline) {
        if n.IsLeader() { return }
        time.Sleep(50 * time.Millisecond)
    }
    t.Fatalf("%s did not become leader in time", n.opts.NodeID)
}

func TestRaft_SingleNodeLeadership(t *testing.T) {
    n, err := New(Options{NodeID: "n1", Bootstrap: true, ApplyTimeout: 2 * time.Second, Logger: quietLogger()})
    if err != nil { t.Fatalf("new: %v", err) }

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := n.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    defer n.Stop()
    awaitLeader(t, n)

    select {
    case li, ok := <-n.LeaderCh():
        if !ok { t.Fatalf("leader channel closed unexpectedly") }
        if li.ID != "n1" { t.Fatalf("leader id = %q, want n1", li.ID) }
        if li.Term == 0 { t.Fatalf("leader event without a term: %+v", li) }
    case <-time.After(2 * time.Second):
        t.Fatalf("timed out waiting for leader event")
    }
}

func TestRaft_SubmitReplicatesToAssembler(t *testing.T) {
    n, err := New(Options{NodeID: "n1", Bootstrap: true, ApplyTimeout: 2 * time.Second, Logger: quietLogger()})
    if err != nil { t.Fatalf("new: %v", err) }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := n.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    defer n.Stop()
    awaitLeader(t, n)

    if err := n.Track("a", "b"); err != nil { t.Fatalf("track: %v", err) }
    for _, pid := range []string{"a", "b"} {
        rec := snapshot.Record{SnapshotID: "s", ProcessID: pid, Channels: map[channel.ID][]channel.Message{}}
        if err := n.Submit(rec); err != nil { t.Fatalf("submit %s: %v", pid, err) }
    }
    gs, err := n.Wait(ctx, "s")
    if err != nil { t.Fatalf("wait: %v", err) }
    if len(gs.Records) != 2 { t.Fatalf("want 2 records, got %d", len(gs.Records)) }

    err = n.Submit(snapshot.Record{SnapshotID: "s", ProcessID: "a"})
    if !errors.Is(err, snapshot.ErrProtocolViolation) {
        t.Fatalf("duplicate submit: want protocol violation, got %v", err)
    }
}

func TestRaft_SubmitBeforeStart(t *testing.T) {
    n, _ := New(Options{NodeID: "idle"})
    if err := n.Submit(snapshot.Record{SnapshotID: "s", ProcessID: "p"}); !errors.Is(err, c.ErrNotStarted) {
        t.Fatalf("want ErrNotStarted, got %v", err)
    }
    if _, err := New(Options{}); err == nil { t.Fatalf("empty NodeID accepted") }
}

func TestRaft_TCPTransportAndStopIsIdempotent(t *testing.T) {
    n, err := New(Options{NodeID: "tcp", Bootstrap: true, BindAddr: "127.0.0.1:0", Logger: quietLogger()})
    if err != nil { t.Fatal(err) }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := n.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    awaitLeader(t, n)
    if n.LocalAddr() == "127.0.0.1:0" { t.Fatalf("LocalAddr did not resolve the ephemeral port") }
    if n.Term() == 0 { t.Fatalf("term should be positive once leader") }
    if err := n.Stop(); err != nil { t.Fatalf("stop: %v", err) }
    if err := n.Stop(); err != nil { t.Fatalf("second stop: %v", err) }
    if n.IsLeader() { t.Fatalf("stopped node reports leadership") }
}

func TestRaft_StopReleasesObserver(t *testing.T) {
    defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
    n, err := New(Options{NodeID: "obs", Bootstrap: true, Logger: quietLogger()})
    if err != nil { t.Fatal(err) }
    if err := n.Start(context.Background()); err != nil { t.Fatalf("start: %v", err) }
    awaitLeader(t, n)
    if n.Term() == 0 { t.Fatalf("term should be positive once leader") }
    if err := n.Stop(); err != nil { t.Fatalf("stop: %v", err) }
    if n.Term() != 0 { t.Fatalf("stopped node reports a term") }
}
