package raftcons

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/amirimatin/go-snapshot/pkg/channel"
    c "github.com/amirimatin/go-snapshot/pkg/consensus"
    "github.com/amirimatin/go-snapshot/pkg/snapshot"
)

// Three in-memory replicas: followers reject writes, every replica assembles
// the same snapshot, and Forget reaches the remaining voters.
func TestRaft_ThreeReplicasAssembleSameSnapshot(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    var nodes []*Node
    for i, id := range []string{"n1", "n2", "n3"} {
        n, err := New(Options{NodeID: id, Bootstrap: i == 0, Logger: quietLogger()})
        if err != nil { t.Fatal(err) }
        if err := n.Start(ctx); err != nil { t.Fatalf("%s start: %v", id, err) }
        defer n.Stop()
        nodes = append(nodes, n)
    }
    if err := ConnectInmem(nodes...); err != nil { t.Fatal(err) }
    leader := nodes[0]
    awaitLeader(t, leader)
    for _, n := range nodes[1:] {
        if err := leader.AddVoter(n.opts.NodeID, n.LocalAddr(), 2*time.Second); err != nil {
            t.Fatalf("AddVoter %s: %v", n.opts.NodeID, err)
        }
    }
    // re-adding with the same address is a no-op
    if err := leader.AddVoter("n2", nodes[1].LocalAddr(), time.Second); err != nil { t.Fatalf("idempotent AddVoter: %v", err) }

    for _, n := range nodes {
        eventually(t, 5*time.Second, func() bool { id, _, ok := n.Leader(); return ok && id == "n1" })
    }

    if err := leader.Track("p", "q"); err != nil { t.Fatalf("track: %v", err) }
    rec := func(pid string) snapshot.Record {
        return snapshot.Record{SnapshotID: "s", ProcessID: pid, CapturedAt: 3, LocalState: []byte("cpu=" + pid),
            Channels: map[channel.ID][]channel.Message{}}
    }
    if err := nodes[1].Submit(rec("p")); !errors.Is(err, c.ErrNotLeader) { t.Fatalf("follower submit: %v", err) }
    for _, pid := range []string{"p", "q"} {
        if err := leader.Submit(rec(pid)); err != nil { t.Fatalf("submit %s: %v", pid, err) }
    }

    for _, n := range nodes {
        wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
        gs, err := n.Wait(wctx, "s")
        wcancel()
        if err != nil { t.Fatalf("%s wait: %v", n.opts.NodeID, err) }
        if string(gs.Records["q"].LocalState) != "cpu=q" { t.Fatalf("%s replica = %v", n.opts.NodeID, gs.Records) }
    }

    if err := leader.RemoveServer("n3", 2*time.Second); err != nil { t.Fatalf("remove: %v", err) }
    if err := leader.Forget("s"); err != nil { t.Fatalf("forget: %v", err) }
    eventually(t, 3*time.Second, func() bool { _, ok := nodes[1].Assemble("s"); return !ok })
}

func eventually(t *testing.T, d time.Duration, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(d)
    for time.Now().Before(deadline) {
        if cond() { return }
        time.Sleep(20 * time.Millisecond)
    }
    t.Fatalf("condition not met within %s", d)
}
