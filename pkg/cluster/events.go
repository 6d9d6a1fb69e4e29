package cluster

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-snapshot/pkg/election"
    obsmetrics "github.com/amirimatin/go-snapshot/pkg/observability/metrics"
    "github.com/amirimatin/go-snapshot/pkg/transport"
)

type EventType string

const (
    EventSiteAlive         EventType = "site_alive"
    EventSiteFailed        EventType = "site_failed"
    EventSnapshotStarted   EventType = "snapshot_started"
    EventRecordComplete    EventType = "record_complete"
    EventSnapshotComplete  EventType = "snapshot_complete"
    EventSnapshotTimeout   EventType = "snapshot_timeout"
    EventLeaderChanged     EventType = "leader_changed"
    EventProtocolViolation EventType = "protocol_violation"
    EventReplicationLeader EventType = "replication_leader"
)

// Event is an application-consumable event describing cluster state changes.
// Only relevant fields for an event type are populated.
type Event struct {
    Type       EventType
    At         time.Time
    Site       string
    SnapshotID string
    Election   *election.Result
    Details    map[string]string
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring internals.
func (c *Cluster) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    c.eb.add(ch)
    go func() {
        <-ctx.Done()
        c.eb.remove(ch)
        close(ch)
    }()
    return ch
}

// watch adapts the event bus to the management watch stream.
func (c *Cluster) watch(ctx context.Context) <-chan transport.WatchEvent {
    out := make(chan transport.WatchEvent, 64)
    in := c.Subscribe(ctx)
    go func() {
        defer close(out)
        obsmetrics.WatchSubscribers.Inc()
        defer obsmetrics.WatchSubscribers.Dec()
        for ev := range in {
            we := transport.WatchEvent{Type: string(ev.Type), At: ev.At, SnapshotID: ev.SnapshotID, Site: ev.Site, Details: ev.Details}
            if ev.Election != nil {
                if we.Details == nil { we.Details = map[string]string{} }
                we.Details["winner"] = ev.Election.Winner
                we.Details["initiator"] = ev.Election.Initiator
            }
            select {
            case out <- we:
            default:
                // drop if receiver is slow
            }
        }
    }()
    return out
}

// internal event bus
type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    if ev.At.IsZero() { ev.At = time.Now() }
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
    e.mu.Unlock()
}
