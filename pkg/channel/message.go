package channel

import (
    "fmt"

    "github.com/amirimatin/go-snapshot/pkg/clock"
)

// Kind distinguishes application traffic from snapshot control markers.
type Kind uint8

const (
    KindApplication Kind = iota
    KindMarker
)

func (k Kind) String() string {
    switch k {
    case KindApplication:
        return "application"
    case KindMarker:
        return "marker"
    default:
        return fmt.Sprintf("kind(%d)", uint8(k))
    }
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
    switch string(b) {
    case "application":
        *k = KindApplication
    case "marker":
        *k = KindMarker
    default:
        return fmt.Errorf("channel: unknown message kind %q", string(b))
    }
    return nil
}

// Message is an immutable unit of traffic on a Channel. Markers carry a
// SnapshotID and no payload.
type Message struct {
    Kind       Kind            `json:"kind"`
    Sender     string          `json:"sender"`
    SnapshotID string          `json:"snapshotId,omitempty"`
    Payload    []byte          `json:"payload,omitempty"`
    Timestamp  clock.Timestamp `json:"timestamp"`
}

// NewMarker builds the control message delimiting pre- and post-snapshot
// traffic for snapshotID.
func NewMarker(sender, snapshotID string, ts clock.Timestamp) Message {
    return Message{Kind: KindMarker, Sender: sender, SnapshotID: snapshotID, Timestamp: ts}
}

// NewApplication builds an application message; payload is copied.
func NewApplication(sender string, payload []byte, ts clock.Timestamp) Message {
    return Message{Kind: KindApplication, Sender: sender, Payload: append([]byte(nil), payload...), Timestamp: ts}
}

func (m Message) IsMarker() bool { return m.Kind == KindMarker }
