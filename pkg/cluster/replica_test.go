package cluster

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/amirimatin/go-snapshot/pkg/consensus"
    raftcons "github.com/amirimatin/go-snapshot/pkg/consensus/raft"
)

func TestCluster_AddReplicaReceivesRecords(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    r1, err := raftcons.New(raftcons.Options{NodeID: "r1", Bootstrap: true, Logger: quiet()})
    if err != nil { t.Fatal(err) }
    r2, err := raftcons.New(raftcons.Options{NodeID: "r2", Logger: quiet()})
    if err != nil { t.Fatal(err) }
    if err := r2.Start(ctx); err != nil { t.Fatalf("r2 start: %v", err) }
    defer r2.Stop()

    c := startCluster(t, Options{Sites: sites("a", "b", "c"), Replicator: r1})
    if err := raftcons.ConnectInmem(r1, r2); err != nil { t.Fatal(err) }
    if err := c.AddReplica("r2", r2.LocalAddr()); err != nil { t.Fatalf("add replica: %v", err) }

    gs, err := c.SnapshotAndWait(ctx, "a")
    if err != nil { t.Fatalf("snapshot: %v", err) }
    wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
    defer wcancel()
    got, err := r2.Wait(wctx, gs.SnapshotID)
    if err != nil { t.Fatalf("replica wait: %v", err) }
    if len(got.Records) != 3 { t.Fatalf("replica has %d records, want 3", len(got.Records)) }

    if err := c.RemoveReplica("r2"); err != nil { t.Fatalf("remove replica: %v", err) }
}

func TestCluster_AddReplicaWithoutReplication(t *testing.T) {
    c := startCluster(t, Options{Sites: sites("a", "b")})
    if err := c.AddReplica("r2", "r2"); !errors.Is(err, consensus.ErrFixedMembership) {
        t.Fatalf("want ErrFixedMembership, got %v", err)
    }
}
