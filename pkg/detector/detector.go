// Package detector implements heartbeat failure detection.
//
// A Monitor tracks ids only; it never owns the lifecycle of what it watches.
// Every id must Beat within the TTL or it is reported failed and dropped from
// the registry. A later Beat brings it back as alive.
package detector

import (
    "context"
    "errors"
    "log"
    "sort"
    "sync"
    "time"

    "github.com/ReneKroon/ttlcache"

    "github.com/amirimatin/go-snapshot/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-snapshot/pkg/observability/metrics"
)

var (
    ErrStopped    = errors.New("detector: stopped")
    ErrNotStarted = errors.New("detector: not started")
    ErrEmptyID    = errors.New("detector: empty id")
)

type EventType string

const (
    EventAlive  EventType = "alive"
    EventFailed EventType = "failed"
)

// Event reports a liveness transition.
type Event struct {
    Type     EventType
    ID       string
    At       time.Time
    LastBeat time.Time
    // Reason is "timeout" or "suspected" for failures.
    Reason string
}

// Member is a registered id and its last heartbeat.
type Member struct {
    ID       string    `json:"id"`
    LastBeat time.Time `json:"lastBeat"`
}

type Options struct {
    // TTL is how long an id stays alive without a heartbeat (default 3s).
    TTL    time.Duration
    Logger *log.Logger
    // EventBuffer sizes the Events channel (default 64). Events are dropped
    // when it is full.
    EventBuffer int
}

func (o *Options) setDefaults() {
    if o.TTL <= 0 { o.TTL = 3 * time.Second }
    if o.Logger == nil { o.Logger = log.Default() }
    if o.EventBuffer <= 0 { o.EventBuffer = 64 }
}

// Monitor is the heartbeat registry. All mutations run on one loop.
type Monitor struct {
    opts  Options
    log   logutil.Component
    cache *ttlcache.Cache
    evts  chan Event

    ops     chan func()
    expired chan string
    done    chan struct{}
    stopped chan struct{}

    mu        sync.Mutex
    started   bool
    stopOnce  sync.Once
    closeOnce sync.Once

    // loop-owned
    members map[string]time.Time
}

func NewMonitor(opts Options) *Monitor {
    opts.setDefaults()
    m := &Monitor{
        opts:    opts,
        log:     logutil.For(opts.Logger, "detector"),
        evts:    make(chan Event, opts.EventBuffer),
        ops:     make(chan func()),
        expired: make(chan string),
        done:    make(chan struct{}),
        stopped: make(chan struct{}),
        members: make(map[string]time.Time),
    }
    c := ttlcache.NewCache()
    c.SetTTL(opts.TTL)
    // The cache invokes this from its own goroutine; hand off without
    // blocking it.
    c.SetExpirationCallback(func(key string, _ interface{}) {
        go func() {
            select {
            case m.expired <- key:
            case <-m.done:
            }
        }()
    })
    m.cache = c
    return m
}

// TTL returns the configured heartbeat timeout.
func (m *Monitor) TTL() time.Duration { return m.opts.TTL }

// Start launches the loop. It stops when ctx is done or on Stop.
func (m *Monitor) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.started { return nil }
    m.started = true
    go m.run(ctx)
    return nil
}

// Stop ends the loop, closes the cache and then the Events channel.
func (m *Monitor) Stop() {
    m.stopOnce.Do(func() { close(m.done) })
    m.mu.Lock()
    started := m.started
    m.mu.Unlock()
    if started {
        <-m.stopped
        return
    }
    m.shutdown()
}

func (m *Monitor) shutdown() {
    m.closeOnce.Do(func() {
        m.cache.Close()
        close(m.evts)
    })
}

// Events delivers liveness transitions. It is closed after Stop.
func (m *Monitor) Events() <-chan Event { return m.evts }

func (m *Monitor) run(ctx context.Context) {
    defer func() {
        m.shutdown()
        close(m.stopped)
    }()
    for {
        select {
        case <-ctx.Done():
            m.stopOnce.Do(func() { close(m.done) })
            return
        case <-m.done:
            return
        case fn := <-m.ops:
            fn()
        case id := <-m.expired:
            m.fail(id, "timeout")
        }
    }
}

func (m *Monitor) do(fn func()) error {
    m.mu.Lock()
    started := m.started
    m.mu.Unlock()
    if !started { return ErrNotStarted }
    finished := make(chan struct{})
    select {
    case m.ops <- func() { fn(); close(finished) }:
    case <-m.done:
        return ErrStopped
    }
    <-finished
    return nil
}

// Register starts watching id as if it had just sent a heartbeat.
func (m *Monitor) Register(id string) error { return m.Beat(id) }

// Beat records a heartbeat. Unknown ids are registered and reported alive.
func (m *Monitor) Beat(id string) error {
    if id == "" { return ErrEmptyID }
    return m.do(func() {
        now := time.Now()
        _, known := m.members[id]
        m.members[id] = now
        m.cache.Set(id, now)
        if !known {
            obsmetrics.DetectorAlive.Set(float64(len(m.members)))
            m.log.Infof("%s is alive", id)
            m.emit(Event{Type: EventAlive, ID: id, At: now, LastBeat: now})
        }
    })
}

// Deregister stops watching id without reporting a failure.
func (m *Monitor) Deregister(id string) error {
    return m.do(func() {
        if _, ok := m.members[id]; !ok { return }
        delete(m.members, id)
        m.cache.Remove(id)
        obsmetrics.DetectorAlive.Set(float64(len(m.members)))
    })
}

// Suspect reports id failed immediately, e.g. when gossip saw it leave.
func (m *Monitor) Suspect(id string) error {
    return m.do(func() {
        m.cache.Remove(id)
        m.fail(id, "suspected")
    })
}

// Alive returns the registered ids, sorted.
func (m *Monitor) Alive() []string {
    var out []string
    _ = m.do(func() {
        out = make([]string, 0, len(m.members))
        for id := range m.members { out = append(out, id) }
    })
    sort.Strings(out)
    return out
}

// IsAlive reports whether id is registered and within its TTL.
func (m *Monitor) IsAlive(id string) bool {
    var ok bool
    _ = m.do(func() { _, ok = m.members[id] })
    return ok
}

// Members lists registered ids with their last heartbeat, sorted by id.
func (m *Monitor) Members() []Member {
    var out []Member
    _ = m.do(func() {
        for id, at := range m.members { out = append(out, Member{ID: id, LastBeat: at}) }
    })
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// runs on the loop
func (m *Monitor) fail(id, reason string) {
    last, ok := m.members[id]
    if !ok { return }
    // a beat landed after the cache fired
    if reason == "timeout" && time.Since(last) < m.opts.TTL/2 {
        m.cache.Set(id, last)
        return
    }
    delete(m.members, id)
    obsmetrics.DetectorFailures.Inc()
    obsmetrics.DetectorAlive.Set(float64(len(m.members)))
    m.log.Warnf("%s failed (%s); last heartbeat %s ago", id, reason, time.Since(last).Round(time.Millisecond))
    m.emit(Event{Type: EventFailed, ID: id, At: time.Now(), LastBeat: last, Reason: reason})
}

func (m *Monitor) emit(e Event) {
    select {
    case m.evts <- e:
    default:
        m.log.Warnf("dropping %s event for %s: channel full", e.Type, e.ID)
    }
}
