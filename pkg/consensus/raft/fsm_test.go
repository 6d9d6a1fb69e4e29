package raftcons

import (
    "encoding/json"
    "errors"
    "testing"

    r "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-snapshot/pkg/consensus"
    "github.com/amirimatin/go-snapshot/pkg/channel"
    "github.com/amirimatin/go-snapshot/pkg/snapshot"
)

func applyCmd(t *testing.T, fsm *recordFSM, op string, v interface{}) interface{} {
    t.Helper()
    payload, _ := json.Marshal(v)
    data, _ := json.Marshal(c.Command{Op: op, Payload: payload})
    return fsm.Apply(&r.Log{Data: data})
}

func TestRecordFSM_TrackSubmitAssemble(t *testing.T) {
    asm := snapshot.NewAssembler()
    fsm := newRecordFSM(asm)

    if v := applyCmd(t, fsm, c.OpTrack, idsPayload{IDs: []string{"p1", "p2"}}); v != nil {
        t.Fatalf("track: %v", v)
    }
    for _, pid := range []string{"p1", "p2"} {
        rec := snapshot.Record{SnapshotID: "s", ProcessID: pid, CapturedAt: 3,
            Channels: map[channel.ID][]channel.Message{}}
        if v := applyCmd(t, fsm, c.OpSubmitRecord, rec); v != nil {
            t.Fatalf("submit %s: %v", pid, v)
        }
    }
    if _, ok := asm.Assemble("s"); !ok { t.Fatalf("expected complete snapshot") }

    dup := snapshot.Record{SnapshotID: "s", ProcessID: "p1"}
    v := applyCmd(t, fsm, c.OpSubmitRecord, dup)
    err, _ := v.(error)
    if !errors.Is(err, snapshot.ErrProtocolViolation) {
        t.Fatalf("duplicate submit: want protocol violation, got %v", v)
    }

    if v := applyCmd(t, fsm, c.OpForget, idsPayload{IDs: []string{"s"}}); v != nil {
        t.Fatalf("forget: %v", v)
    }
    if len(asm.Snapshots()) != 0 { t.Fatalf("forget left records behind") }
}

func TestRecordFSM_UnknownOp(t *testing.T) {
    fsm := newRecordFSM(snapshot.NewAssembler())
    if v := applyCmd(t, fsm, "Nope", nil); v == nil {
        t.Fatalf("unknown op should fail")
    }
}
