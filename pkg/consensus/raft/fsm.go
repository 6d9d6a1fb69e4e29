package raftcons

import (
    "encoding/json"
    "fmt"
    "io"

    "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-snapshot/pkg/consensus"
    "github.com/amirimatin/go-snapshot/pkg/snapshot"
)

// recordFSM applies replicated commands to an assembler replica.
type recordFSM struct {
    asm *snapshot.Assembler
}

func newRecordFSM(asm *snapshot.Assembler) *recordFSM { return &recordFSM{asm: asm} }

type idsPayload struct {
    IDs []string `json:"ids"`
}

func (f *recordFSM) Apply(l *raft.Log) interface{} {
    var cmd c.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return err
    }
    switch cmd.Op {
    case c.OpSubmitRecord:
        var rec snapshot.Record
        if err := json.Unmarshal(cmd.Payload, &rec); err != nil { return err }
        return f.asm.Submit(rec)
    case c.OpTrack:
        var p idsPayload
        if err := json.Unmarshal(cmd.Payload, &p); err != nil { return err }
        f.asm.Track(p.IDs...)
        return nil
    case c.OpUntrack:
        var p idsPayload
        if err := json.Unmarshal(cmd.Payload, &p); err != nil { return err }
        for _, id := range p.IDs { f.asm.Untrack(id) }
        return nil
    case c.OpForget:
        var p idsPayload
        if err := json.Unmarshal(cmd.Payload, &p); err != nil { return err }
        for _, id := range p.IDs { f.asm.Forget(id) }
        return nil
    default:
        return fmt.Errorf("raftcons: unknown op %q", cmd.Op)
    }
}

func (f *recordFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.asm.Snapshot()
    if err != nil { return nil, err }
    return &fsmSnapshot{blob: blob}, nil
}

func (f *recordFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.asm.Restore(data)
}

type fsmSnapshot struct {
    blob []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *fsmSnapshot) Release() {}

var _ raft.FSM = (*recordFSM)(nil)
