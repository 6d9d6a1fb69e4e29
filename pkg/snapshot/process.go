// Package snapshot implements Chandy-Lamport global snapshots over a fixed
// topology of processes connected by FIFO channels.
//
// Every Process embeds the coordinator: a per-snapshot-id state machine
// (IDLE → CAPTURED → COMPLETE) that captures local state on the first marker
// or initiation, records in-flight messages on the remaining inbound
// channels, and emits one Record per snapshot to a Sink. All per-process
// state is owned by a single loop goroutine; channels are the only shared
// structures.
package snapshot

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sort"
    "sync"

    "github.com/amirimatin/go-snapshot/pkg/channel"
    "github.com/amirimatin/go-snapshot/pkg/clock"
    "github.com/amirimatin/go-snapshot/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-snapshot/pkg/observability/metrics"
    "github.com/amirimatin/go-snapshot/pkg/observability/tracing"
)

// Delivery is an application message handed to the process handler after the
// receive clock rule was applied.
type Delivery struct {
    Channel    channel.ID
    From       string
    Payload    []byte
    SentAt     clock.Timestamp
    ReceivedAt clock.Timestamp
}

// ProcessOptions configures a Process. Zero values are usable.
type ProcessOptions struct {
    Logger *log.Logger
    // Sink receives completed records. Nil discards them (callbacks and
    // subscribers still fire).
    Sink Sink
    // Handler runs on the process loop for every application message.
    // Replies go through out; calling Send on the same process would block.
    Handler func(ctx context.Context, d Delivery, out Outbox)
    // StateFunc, when set, supplies the local state at capture time instead
    // of the value stored with SetLocalState.
    StateFunc func() []byte
    // OnError observes protocol violations and sink failures.
    OnError func(err error)
    // HistoryLimit bounds the clock journal (<=0 → 1024).
    HistoryLimit int
}

// Outbox sends from inside a loop step (a Handler or Atomically).
type Outbox interface {
    Send(to string, payload []byte) error
}

type loopOutbox struct{ p *Process }

func (o loopOutbox) Send(to string, payload []byte) error { return o.p.sendLocked(to, payload) }

// SessionInfo is a read-only view of one snapshot id on one process.
type SessionInfo struct {
    SnapshotID  string          `json:"snapshotId"`
    State       State           `json:"state"`
    CapturedAt  clock.Timestamp `json:"capturedAt,omitempty"`
    MarkersSent int             `json:"markersSent"`
    Pending     []channel.ID    `json:"pending,omitempty"`
}

type session struct {
    id          string
    state       State
    local       []byte
    capturedAt  clock.Timestamp
    markersSent int
    pending     map[channel.ID]struct{}
    channels    map[channel.ID][]channel.Message
}

// Process is a participant in the distributed system: it owns a Lamport
// clock, an opaque local state, its inbound and outbound channels and the
// snapshot coordinator.
type Process struct {
    id      string
    opts    ProcessOptions
    log     logutil.Component
    clk     clock.Clock
    journal *clock.Journal

    mu        sync.RWMutex
    state     []byte
    inbound   []*channel.Channel
    inByID    map[channel.ID]*channel.Channel
    outbound  map[string]*channel.Channel
    callbacks []func(Record)
    started   bool

    // loop-owned
    sessions map[string]*session

    cmds     chan func()
    wake     chan struct{}
    done     chan struct{}
    stopped  chan struct{}
    stopOnce sync.Once
    eb       recordBus
}

// NewProcess returns an unstarted process. Connect channels before Start.
func NewProcess(id string, opts ProcessOptions) (*Process, error) {
    if id == "" {
        return nil, errors.New("snapshot: process id required")
    }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Process{
        id:       id,
        opts:     opts,
        log:      logutil.For(opts.Logger, "process "+id),
        journal:  clock.NewJournal(opts.HistoryLimit),
        inByID:   make(map[channel.ID]*channel.Channel),
        outbound: make(map[string]*channel.Channel),
        sessions: make(map[string]*session),
        cmds:     make(chan func()),
        wake:     make(chan struct{}, 1),
        done:     make(chan struct{}),
        stopped:  make(chan struct{}),
    }, nil
}

// Connect creates the channel from → to and attaches it to both processes.
// Topology is fixed once either process has started.
func Connect(from, to *Process) (*channel.Channel, error) {
    if from == nil || to == nil {
        return nil, ErrUnknownProcess
    }
    if from == to || from.id == to.id {
        return nil, fmt.Errorf("snapshot: self channel %s", from.id)
    }
    if from.isStarted() || to.isStarted() {
        return nil, ErrTopologyFrozen
    }
    ch := channel.New(from.id, to.id)
    from.mu.Lock()
    if _, dup := from.outbound[to.id]; dup {
        from.mu.Unlock()
        return nil, fmt.Errorf("snapshot: channel %s already exists", ch.ID())
    }
    from.outbound[to.id] = ch
    from.mu.Unlock()

    to.mu.Lock()
    to.inbound = append(to.inbound, ch)
    to.inByID[ch.ID()] = ch
    to.mu.Unlock()
    ch.OnEnqueue(to.signal)
    return ch, nil
}

func (p *Process) ID() string { return p.id }

// Now returns the current Lamport time without ticking.
func (p *Process) Now() clock.Timestamp { return p.clk.Now() }

// History returns the retained clock journal in event order.
func (p *Process) History() []clock.Entry { return p.journal.Entries() }

// Inbound lists the inbound channel ids in connection order.
func (p *Process) Inbound() []channel.ID {
    p.mu.RLock()
    defer p.mu.RUnlock()
    out := make([]channel.ID, 0, len(p.inbound))
    for _, ch := range p.inbound { out = append(out, ch.ID()) }
    return out
}

// Outbound lists the outbound channel ids sorted by destination.
func (p *Process) Outbound() []channel.ID {
    p.mu.RLock()
    defer p.mu.RUnlock()
    out := make([]channel.ID, 0, len(p.outbound))
    for _, ch := range p.outbound { out = append(out, ch.ID()) }
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

// LocalState returns a copy of the current opaque state.
func (p *Process) LocalState() []byte {
    if p.opts.StateFunc != nil {
        return cloneBytes(p.opts.StateFunc())
    }
    p.mu.RLock()
    defer p.mu.RUnlock()
    return cloneBytes(p.state)
}

func (p *Process) SetLocalState(b []byte) {
    p.mu.Lock()
    p.state = cloneBytes(b)
    p.mu.Unlock()
}

// OnSnapshotComplete registers fn to run, on the process loop, each time this
// process completes a snapshot. fn must not block or call back into p.
func (p *Process) OnSnapshotComplete(fn func(Record)) {
    if fn == nil { return }
    p.mu.Lock()
    p.callbacks = append(p.callbacks, fn)
    p.mu.Unlock()
}

// Start launches the process loop. The loop exits on Stop or when ctx is done.
func (p *Process) Start(ctx context.Context) error {
    p.mu.Lock()
    if p.started {
        p.mu.Unlock()
        return nil
    }
    p.started = true
    p.mu.Unlock()
    go p.run(ctx)
    p.log.Debugf("started with %d inbound, %d outbound channels", len(p.Inbound()), len(p.Outbound()))
    return nil
}

// Stop ends the loop and waits for it. Queued channel messages stay queued.
func (p *Process) Stop() {
    p.stopOnce.Do(func() { close(p.done) })
    if p.isStarted() {
        <-p.stopped
    }
}

func (p *Process) isStarted() bool {
    p.mu.RLock()
    defer p.mu.RUnlock()
    return p.started
}

func (p *Process) signal() {
    select {
    case p.wake <- struct{}{}:
    default:
    }
}

func (p *Process) run(ctx context.Context) {
    defer close(p.stopped)
    // deliver anything enqueued before start
    p.drain(ctx)
    for {
        select {
        case <-ctx.Done():
            return
        case <-p.done:
            return
        case fn := <-p.cmds:
            fn()
        case <-p.wake:
            p.drain(ctx)
        }
    }
}

// do runs fn on the process loop and waits for it.
func (p *Process) do(ctx context.Context, fn func()) error {
    if !p.isStarted() { return ErrNotStarted }
    finished := make(chan struct{})
    select {
    case p.cmds <- func() { fn(); close(finished) }:
    case <-p.done:
        return ErrStopped
    case <-p.stopped:
        return ErrStopped
    case <-ctx.Done():
        return ctx.Err()
    }
    <-finished
    return nil
}

// drain delivers queued messages round-robin across inbound channels until
// all of them are empty.
func (p *Process) drain(ctx context.Context) {
    p.mu.RLock()
    in := append([]*channel.Channel(nil), p.inbound...)
    p.mu.RUnlock()
    for {
        progressed := false
        for _, ch := range in {
            select {
            case <-p.done:
                return
            default:
            }
            m, ok := ch.DeliverNext()
            if !ok { continue }
            progressed = true
            p.handle(ctx, ch, m)
        }
        if !progressed { return }
    }
}

func (p *Process) handle(ctx context.Context, ch *channel.Channel, m channel.Message) {
    at := p.clk.ObserveReceive(m.Timestamp)
    obsmetrics.ClockValue.WithLabelValues(p.id).Set(float64(at))
    if m.IsMarker() {
        p.journal.Append(clock.Entry{Kind: clock.EntryReceive, At: at, Process: p.id, Peer: m.Sender, Note: "marker " + m.SnapshotID})
        p.onMarker(ctx, ch, m)
        return
    }
    p.journal.Append(clock.Entry{Kind: clock.EntryReceive, At: at, Process: p.id, Peer: m.Sender})
    obsmetrics.MessagesDelivered.WithLabelValues(p.id).Inc()
    if p.opts.Handler != nil {
        p.opts.Handler(ctx, Delivery{Channel: ch.ID(), From: m.Sender, Payload: m.Payload, SentAt: m.Timestamp, ReceivedAt: at}, loopOutbox{p})
    }
}

// Send transmits an application payload to peer `to`.
func (p *Process) Send(ctx context.Context, to string, payload []byte) error {
    var err error
    if derr := p.do(ctx, func() { err = p.sendLocked(to, payload) }); derr != nil {
        return derr
    }
    return err
}

// Atomically runs fn on the process loop. State changes made by fn and the
// sends it issues through out fall on the same side of any snapshot cut.
func (p *Process) Atomically(ctx context.Context, fn func(out Outbox) error) error {
    var err error
    if derr := p.do(ctx, func() { err = fn(loopOutbox{p}) }); derr != nil {
        return derr
    }
    return err
}

// runs on the loop
func (p *Process) sendLocked(to string, payload []byte) error {
    p.mu.RLock()
    ch := p.outbound[to]
    p.mu.RUnlock()
    if ch == nil {
        return fmt.Errorf("%w: %s -> %s", ErrUnknownPeer, p.id, to)
    }
    ts := p.clk.TickSend()
    ch.Send(channel.NewApplication(p.id, payload, ts))
    p.journal.Append(clock.Entry{Kind: clock.EntrySend, At: ts, Process: p.id, Peer: to})
    obsmetrics.MessagesSent.WithLabelValues(p.id).Inc()
    obsmetrics.ClockValue.WithLabelValues(p.id).Set(float64(ts))
    return nil
}

// Event records a purely local event, advancing the clock.
func (p *Process) Event(ctx context.Context, note string) (clock.Timestamp, error) {
    var ts clock.Timestamp
    err := p.do(ctx, func() {
        ts = p.clk.TickLocal()
        p.journal.Append(clock.Entry{Kind: clock.EntryLocal, At: ts, Process: p.id, Note: note})
        obsmetrics.ClockValue.WithLabelValues(p.id).Set(float64(ts))
    })
    return ts, err
}

// Deliver enqueues m onto the inbound channel id. It is the entry point for
// messages arriving from outside the in-memory topology.
func (p *Process) Deliver(ctx context.Context, id channel.ID, m channel.Message) error {
    if err := ctx.Err(); err != nil { return err }
    p.mu.RLock()
    ch := p.inByID[id]
    p.mu.RUnlock()
    if ch == nil {
        return fmt.Errorf("%w: %s on %s", ErrUnknownChannel, id, p.id)
    }
    ch.Send(m)
    return nil
}

// InitiateSnapshot starts snapshot id at this process. Initiating an id that
// this process already captured is a no-op.
func (p *Process) InitiateSnapshot(ctx context.Context, id string) error {
    if id == "" {
        return errors.New("snapshot: snapshot id required")
    }
    ctx, end := tracing.StartSpan(ctx, "snapshot.initiate", "process", p.id, "snapshot", id)
    defer end()
    return p.do(ctx, func() {
        if s := p.sessions[id]; s != nil {
            p.log.Debugf("initiate %s ignored: already %s", id, s.state)
            return
        }
        obsmetrics.SnapshotsInitiated.Inc()
        p.log.Infof("initiating snapshot %s", id)
        p.capture(id, nil)
    })
}

// Session reports the coordinator state for snapshot id.
func (p *Process) Session(ctx context.Context, id string) (SessionInfo, error) {
    info := SessionInfo{SnapshotID: id, State: StateIdle}
    err := p.do(ctx, func() {
        s := p.sessions[id]
        if s == nil { return }
        info.State = s.state
        info.CapturedAt = s.capturedAt
        info.MarkersSent = s.markersSent
        for cid := range s.pending { info.Pending = append(info.Pending, cid) }
        sort.Slice(info.Pending, func(i, j int) bool { return info.Pending[i] < info.Pending[j] })
    })
    return info, err
}

// Forget drops the bookkeeping of a completed snapshot id. A later marker
// for that id would start a new capture.
func (p *Process) Forget(ctx context.Context, id string) error {
    return p.do(ctx, func() {
        if s := p.sessions[id]; s != nil && s.state == StateComplete {
            delete(p.sessions, id)
        }
    })
}

// capture moves snapshot id to CAPTURED: local state is saved, every inbound
// channel other than via starts recording and a marker goes out on every
// outbound channel. via is nil for the initiator.
func (p *Process) capture(id string, via *channel.Channel) *session {
    s := &session{
        id:       id,
        state:    StateCaptured,
        local:    p.LocalState(),
        pending:  make(map[channel.ID]struct{}),
        channels: make(map[channel.ID][]channel.Message),
    }
    s.capturedAt = p.clk.TickLocal()
    p.sessions[id] = s
    p.journal.Append(clock.Entry{Kind: clock.EntryCapture, At: s.capturedAt, Process: p.id, Note: id})

    p.mu.RLock()
    in := append([]*channel.Channel(nil), p.inbound...)
    out := make([]*channel.Channel, 0, len(p.outbound))
    for _, ch := range p.outbound { out = append(out, ch) }
    p.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool { return out[i].To() < out[j].To() })

    for _, ch := range in {
        if ch == via {
            s.channels[ch.ID()] = []channel.Message{}
            continue
        }
        ch.StartRecording(id)
        s.pending[ch.ID()] = struct{}{}
    }
    for _, ch := range out {
        ts := p.clk.TickSend()
        ch.Send(channel.NewMarker(p.id, id, ts))
        s.markersSent++
        p.journal.Append(clock.Entry{Kind: clock.EntrySend, At: ts, Process: p.id, Peer: ch.To(), Note: "marker " + id})
        obsmetrics.MarkersSent.WithLabelValues(p.id).Inc()
    }
    obsmetrics.ClockValue.WithLabelValues(p.id).Set(float64(p.clk.Now()))
    p.log.Debugf("captured %s at %d; recording %d channel(s)", id, s.capturedAt, len(s.pending))
    if len(s.pending) == 0 {
        p.complete(s)
    }
    return s
}

func (p *Process) onMarker(ctx context.Context, ch *channel.Channel, m channel.Message) {
    s := p.sessions[m.SnapshotID]
    if s == nil {
        p.capture(m.SnapshotID, ch)
        return
    }
    if _, ok := s.pending[ch.ID()]; !ok {
        // Already closed on this channel: a second marker means two initiators
        // or a duplicated marker. The state machine stays where it is.
        p.violation("duplicate_marker", fmt.Errorf("%w: second marker for %s on %s (state %s)", ErrProtocolViolation, m.SnapshotID, ch.ID(), s.state))
        return
    }
    rec := ch.StopRecording(m.SnapshotID)
    if rec == nil { rec = []channel.Message{} }
    s.channels[ch.ID()] = rec
    delete(s.pending, ch.ID())
    obsmetrics.InFlightRecorded.WithLabelValues(p.id).Add(float64(len(rec)))
    if len(s.pending) == 0 {
        p.complete(s)
    }
}

func (p *Process) complete(s *session) {
    s.state = StateComplete
    rec := Record{
        SnapshotID:  s.id,
        ProcessID:   p.id,
        LocalState:  s.local,
        CapturedAt:  s.capturedAt,
        CompletedAt: p.clk.Now(),
        Channels:    s.channels,
    }
    // the record owns these now
    s.local, s.channels = nil, nil
    obsmetrics.SnapshotsCompleted.WithLabelValues(p.id).Inc()
    p.log.Infof("snapshot %s complete: %d channel(s), %d in-flight message(s)", rec.SnapshotID, len(rec.Channels), rec.InFlight())
    if p.opts.Sink != nil {
        if err := p.opts.Sink.Submit(rec); err != nil {
            p.report(fmt.Errorf("snapshot: submit %s/%s: %w", rec.SnapshotID, p.id, err))
        }
    }
    p.mu.RLock()
    cbs := append([]func(Record){}, p.callbacks...)
    p.mu.RUnlock()
    for _, fn := range cbs { fn(rec.Clone()) }
    p.eb.publish(rec)
}

func (p *Process) violation(kind string, err error) {
    obsmetrics.ProtocolViolations.WithLabelValues(kind).Inc()
    p.report(err)
}

func (p *Process) report(err error) {
    p.log.Warnf("%v", err)
    if p.opts.OnError != nil { p.opts.OnError(err) }
}

func cloneBytes(b []byte) []byte {
    if b == nil { return nil }
    return append([]byte(nil), b...)
}
