package snapshot

import "fmt"

// Verify checks that gs is a consistent cut: every recorded channel ends at
// the process holding it, its sender contributed a record, and every
// recorded message was sent no later than the sender's capture.
func Verify(gs GlobalSnapshot) error {
    for pid, rec := range gs.Records {
        if rec.ProcessID != pid || rec.SnapshotID != gs.SnapshotID {
            return fmt.Errorf("%w: record %s/%s filed under %s/%s", ErrInconsistentCut, rec.SnapshotID, rec.ProcessID, gs.SnapshotID, pid)
        }
        for cid, msgs := range rec.Channels {
            from, to, ok := cid.Ends()
            if !ok || to != pid {
                return fmt.Errorf("%w: channel %s recorded by %s", ErrInconsistentCut, cid, pid)
            }
            sender, ok := gs.Records[from]
            if !ok {
                if len(msgs) == 0 { continue }
                return fmt.Errorf("%w: channel %s: sender %s has no record", ErrInconsistentCut, cid, from)
            }
            for i, m := range msgs {
                if m.IsMarker() {
                    return fmt.Errorf("%w: channel %s: marker recorded as in-flight", ErrInconsistentCut, cid)
                }
                if m.Sender != from {
                    return fmt.Errorf("%w: channel %s: message %d from %s", ErrInconsistentCut, cid, i, m.Sender)
                }
                if m.Timestamp > sender.CapturedAt {
                    return fmt.Errorf("%w: channel %s: message sent at %d after %s captured at %d", ErrInconsistentCut, cid, m.Timestamp, from, sender.CapturedAt)
                }
            }
        }
    }
    return nil
}
