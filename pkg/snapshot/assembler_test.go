package snapshot

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/amirimatin/go-snapshot/pkg/channel"
    "github.com/amirimatin/go-snapshot/pkg/clock"
)

func rec(sid, pid string, captured clock.Timestamp, chans map[channel.ID][]channel.Message) Record {
    if chans == nil { chans = map[channel.ID][]channel.Message{} }
    return Record{SnapshotID: sid, ProcessID: pid, CapturedAt: captured, Channels: chans}
}

func TestAssembler_CompletesWhenAllKnownSubmit(t *testing.T) {
    a := NewAssembler("p1", "p2")
    if err := a.Submit(rec("s", "p1", 1, nil)); err != nil { t.Fatal(err) }
    if _, ok := a.Assemble("s"); ok { t.Fatalf("assembled with a missing process") }
    if got := a.Missing("s"); len(got) != 1 || got[0] != "p2" {
        t.Fatalf("missing = %v", got)
    }
    if err := a.Submit(rec("s", "p2", 1, nil)); err != nil { t.Fatal(err) }
    gs, ok := a.Assemble("s")
    if !ok || len(gs.Records) != 2 { t.Fatalf("want complete snapshot, got %v %v", ok, gs) }
    if !a.IsComplete("s", []string{"p1", "p2"}) { t.Fatalf("IsComplete false") }
    if a.IsComplete("s", []string{"p1", "p3"}) { t.Fatalf("IsComplete true for unknown p3") }
}

func TestAssembler_DuplicateSubmitIsViolation(t *testing.T) {
    a := NewAssembler("p1")
    if err := a.Submit(rec("s", "p1", 1, nil)); err != nil { t.Fatal(err) }
    if err := a.Submit(rec("s", "p1", 2, nil)); !errors.Is(err, ErrProtocolViolation) {
        t.Fatalf("want ErrProtocolViolation, got %v", err)
    }
    gs, _ := a.Assemble("s")
    if gs.Records["p1"].CapturedAt != 1 { t.Fatalf("duplicate overwrote the first record") }
}

func TestAssembler_WaitTimesOutIncomplete(t *testing.T) {
    a := NewAssembler("p1", "p2")
    _ = a.Submit(rec("s", "p1", 1, nil))
    ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
    defer cancel()
    _, err := a.Wait(ctx, "s")
    if !errors.Is(err, ErrIncomplete) || !errors.Is(err, context.DeadlineExceeded) {
        t.Fatalf("want incomplete+deadline, got %v", err)
    }
}

func TestAssembler_UntrackUnblocksWait(t *testing.T) {
    a := NewAssembler("p1", "p2")
    _ = a.Submit(rec("s", "p1", 1, nil))
    done := make(chan error, 1)
    go func() {
        ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _, err := a.Wait(ctx, "s")
        done <- err
    }()
    a.Untrack("p2")
    if err := <-done; err != nil { t.Fatalf("wait: %v", err) }
}

func TestAssembler_SnapshotRestore(t *testing.T) {
    a := NewAssembler("p1", "p2")
    msgs := map[channel.ID][]channel.Message{
        channel.MakeID("p2", "p1"): {channel.NewApplication("p2", []byte("x"), 3)},
    }
    _ = a.Submit(rec("s", "p1", 4, msgs))
    _ = a.Submit(rec("s", "p2", 5, nil))
    buf, err := a.Snapshot()
    if err != nil { t.Fatal(err) }

    b := NewAssembler()
    if err := b.Restore(buf); err != nil { t.Fatal(err) }
    gs, ok := b.Assemble("s")
    if !ok { t.Fatalf("restored assembler lost completeness") }
    got := gs.Records["p1"].Channels[channel.MakeID("p2", "p1")]
    if len(got) != 1 || string(got[0].Payload) != "x" || got[0].Kind != channel.KindApplication {
        t.Fatalf("restored channel state = %v", got)
    }
    if err := Verify(gs); err != nil { t.Fatalf("verify restored: %v", err) }
}

func TestVerify_RejectsBackwardMessage(t *testing.T) {
    gs := GlobalSnapshot{SnapshotID: "s", Records: map[string]Record{
        "a": rec("s", "a", 5, nil),
        "b": rec("s", "b", 2, map[channel.ID][]channel.Message{
            channel.MakeID("a", "b"): {channel.NewApplication("a", nil, 7)},
        }),
    }}
    if err := Verify(gs); !errors.Is(err, ErrInconsistentCut) {
        t.Fatalf("want ErrInconsistentCut, got %v", err)
    }
}

func TestVerify_RejectsMisfiledChannel(t *testing.T) {
    gs := GlobalSnapshot{SnapshotID: "s", Records: map[string]Record{
        "a": rec("s", "a", 5, map[channel.ID][]channel.Message{channel.MakeID("a", "b"): {}}),
        "b": rec("s", "b", 2, nil),
    }}
    if err := Verify(gs); !errors.Is(err, ErrInconsistentCut) {
        t.Fatalf("want ErrInconsistentCut, got %v", err)
    }
}

// trackingSink stands in for a replicated sink: ids reach its read side only
// through Track.
type trackingSink struct {
    asm     *Assembler
    tracked []string
}

func (s *trackingSink) Submit(r Record) error { return s.asm.Submit(r) }

func (s *trackingSink) Track(ids ...string) error {
    s.tracked = append(s.tracked, ids...)
    return nil
}

func TestNetwork_TrackingSinkOwnsReadSide(t *testing.T) {
    sink := &trackingSink{asm: NewAssembler()}
    n := NewNetwork(NetworkOptions{Logger: quiet, Sink: sink, Assembler: sink.asm})
    if _, err := n.CreateProcess("p1"); err != nil { t.Fatal(err) }
    if len(sink.tracked) != 1 || sink.tracked[0] != "p1" {
        t.Fatalf("tracked = %v", sink.tracked)
    }
    if got := sink.asm.Known(); len(got) != 0 {
        t.Fatalf("read side written outside the sink: %v", got)
    }

    plain := NewNetwork(NetworkOptions{Logger: quiet})
    if _, err := plain.CreateProcess("p1"); err != nil { t.Fatal(err) }
    if got := plain.Assembler().Known(); len(got) != 1 || got[0] != "p1" {
        t.Fatalf("default assembler known = %v", got)
    }
}
