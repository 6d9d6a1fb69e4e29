package snapshot

import (
    "fmt"
    "sort"

    "github.com/amirimatin/go-snapshot/pkg/channel"
    "github.com/amirimatin/go-snapshot/pkg/clock"
)

// State is a process's position in the capture state machine for one
// snapshot id.
type State uint8

const (
    StateIdle State = iota
    StateCaptured
    StateComplete
)

func (s State) String() string {
    switch s {
    case StateIdle:
        return "IDLE"
    case StateCaptured:
        return "CAPTURED"
    case StateComplete:
        return "COMPLETE"
    default:
        return fmt.Sprintf("State(%d)", uint8(s))
    }
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Record is one process's contribution to a global snapshot: the local state
// captured when it first saw the snapshot, and for every inbound channel the
// messages that were in flight across the cut. Immutable once produced.
type Record struct {
    SnapshotID  string                           `json:"snapshotId"`
    ProcessID   string                           `json:"processId"`
    LocalState  []byte                           `json:"localState"`
    CapturedAt  clock.Timestamp                  `json:"capturedAt"`
    CompletedAt clock.Timestamp                  `json:"completedAt"`
    Channels    map[channel.ID][]channel.Message `json:"channels"`
}

// Clone returns a deep copy. Every consumer beyond the Sink gets its own, so
// the stored record stays as produced.
func (r Record) Clone() Record {
    out := r
    out.LocalState = cloneBytes(r.LocalState)
    if r.Channels != nil {
        out.Channels = make(map[channel.ID][]channel.Message, len(r.Channels))
        for id, msgs := range r.Channels {
            cp := make([]channel.Message, len(msgs))
            for i, m := range msgs {
                m.Payload = cloneBytes(m.Payload)
                cp[i] = m
            }
            out.Channels[id] = cp
        }
    }
    return out
}

// InFlight counts the messages recorded across all inbound channels.
func (r Record) InFlight() int {
    n := 0
    for _, msgs := range r.Channels { n += len(msgs) }
    return n
}

// ChannelIDs returns the recorded inbound channel ids, sorted.
func (r Record) ChannelIDs() []channel.ID {
    out := make([]channel.ID, 0, len(r.Channels))
    for id := range r.Channels { out = append(out, id) }
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

// GlobalSnapshot is the union of every known process's Record for one id.
type GlobalSnapshot struct {
    SnapshotID string            `json:"snapshotId"`
    Records    map[string]Record `json:"records"`
}

// ProcessIDs returns the contributing process ids, sorted.
func (g GlobalSnapshot) ProcessIDs() []string {
    out := make([]string, 0, len(g.Records))
    for id := range g.Records { out = append(out, id) }
    sort.Strings(out)
    return out
}

// InFlight counts the messages recorded across all channel states.
func (g GlobalSnapshot) InFlight() int {
    n := 0
    for _, r := range g.Records { n += r.InFlight() }
    return n
}
