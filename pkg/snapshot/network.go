package snapshot

import (
    "context"
    "fmt"
    "log"
    "sort"
    "sync"

    "github.com/amirimatin/go-snapshot/pkg/channel"
    "github.com/amirimatin/go-snapshot/pkg/internal/logutil"
)

// NetworkOptions configures every process a Network creates.
type NetworkOptions struct {
    Logger *log.Logger
    // Sink receives every record. Defaults to the network's Assembler. A sink
    // exposing Track(...string) error is told about each created process.
    Sink Sink
    // Assembler is the read side; defaults to a fresh in-memory assembler.
    Assembler *Assembler
    // Handler, if set, builds the per-process application handler.
    Handler func(processID string) func(ctx context.Context, d Delivery, out Outbox)
    // StateFunc, if set, builds the per-process capture-time state source.
    StateFunc func(processID string) func() []byte
    OnError   func(processID string, err error)

    HistoryLimit int
}

// Network owns a set of in-memory processes and the channels between them.
type Network struct {
    opts NetworkOptions
    log  logutil.Component

    mu      sync.RWMutex
    procs   map[string]*Process
    order   []string
    chans   []*channel.Channel
    started bool
}

func NewNetwork(opts NetworkOptions) *Network {
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.Assembler == nil { opts.Assembler = NewAssembler() }
    if opts.Sink == nil { opts.Sink = opts.Assembler }
    return &Network{opts: opts, log: logutil.For(opts.Logger, "network"), procs: make(map[string]*Process)}
}

// Assembler returns the in-memory assembler the network tracks processes on.
func (n *Network) Assembler() *Assembler { return n.opts.Assembler }

// CreateProcess adds a new process with the network defaults.
func (n *Network) CreateProcess(id string) (*Process, error) {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.started { return nil, ErrTopologyFrozen }
    if _, dup := n.procs[id]; dup {
        return nil, fmt.Errorf("%w: %s", ErrDuplicateProcess, id)
    }
    po := ProcessOptions{Logger: n.opts.Logger, Sink: n.opts.Sink, HistoryLimit: n.opts.HistoryLimit}
    if n.opts.Handler != nil { po.Handler = n.opts.Handler(id) }
    if n.opts.StateFunc != nil { po.StateFunc = n.opts.StateFunc(id) }
    if n.opts.OnError != nil {
        onErr := n.opts.OnError
        po.OnError = func(err error) { onErr(id, err) }
    }
    p, err := NewProcess(id, po)
    if err != nil { return nil, err }
    // a tracking sink owns the read side and learns ids through its own log
    if t, ok := n.opts.Sink.(interface{ Track(...string) error }); ok {
        if err := t.Track(id); err != nil {
            return nil, fmt.Errorf("snapshot: track %s: %w", id, err)
        }
    } else {
        n.opts.Assembler.Track(id)
    }
    n.procs[id] = p
    n.order = append(n.order, id)
    return p, nil
}

// Connect adds the channel from → to.
func (n *Network) Connect(from, to string) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.started { return ErrTopologyFrozen }
    a, b := n.procs[from], n.procs[to]
    if a == nil { return fmt.Errorf("%w: %s", ErrUnknownProcess, from) }
    if b == nil { return fmt.Errorf("%w: %s", ErrUnknownProcess, to) }
    ch, err := Connect(a, b)
    if err != nil { return err }
    n.chans = append(n.chans, ch)
    return nil
}

// Ring creates the processes ids[0..k) and connects each to its successor,
// the last one back to the first.
func (n *Network) Ring(ids ...string) error {
    for _, id := range ids {
        if _, err := n.CreateProcess(id); err != nil { return err }
    }
    if len(ids) < 2 { return nil }
    for i, id := range ids {
        if err := n.Connect(id, ids[(i+1)%len(ids)]); err != nil { return err }
    }
    return nil
}

// Full connects every ordered pair of existing processes.
func (n *Network) Full() error {
    ids := n.IDs()
    for _, a := range ids {
        for _, b := range ids {
            if a == b { continue }
            if err := n.Connect(a, b); err != nil { return err }
        }
    }
    return nil
}

func (n *Network) Process(id string) (*Process, bool) {
    n.mu.RLock()
    defer n.mu.RUnlock()
    p, ok := n.procs[id]
    return p, ok
}

// IDs returns process ids in creation order.
func (n *Network) IDs() []string {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return append([]string(nil), n.order...)
}

// Channels returns every channel id, sorted.
func (n *Network) Channels() []channel.ID {
    n.mu.RLock()
    defer n.mu.RUnlock()
    out := make([]channel.ID, 0, len(n.chans))
    for _, ch := range n.chans { out = append(out, ch.ID()) }
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

// Start freezes the topology and starts every process.
func (n *Network) Start(ctx context.Context) error {
    n.mu.Lock()
    if n.started {
        n.mu.Unlock()
        return nil
    }
    n.started = true
    procs := make([]*Process, 0, len(n.order))
    for _, id := range n.order { procs = append(procs, n.procs[id]) }
    n.mu.Unlock()
    for _, p := range procs {
        if err := p.Start(ctx); err != nil { return err }
    }
    n.log.Infof("started %d process(es), %d channel(s)", len(procs), len(n.Channels()))
    return nil
}

// Stop stops every process and waits for their loops.
func (n *Network) Stop() {
    n.mu.RLock()
    procs := make([]*Process, 0, len(n.procs))
    for _, p := range n.procs { procs = append(procs, p) }
    n.mu.RUnlock()
    for _, p := range procs { p.Stop() }
}

// Initiate starts snapshot id (a fresh one when empty) at process initiator
// and returns the id.
func (n *Network) Initiate(ctx context.Context, initiator, id string) (string, error) {
    p, ok := n.Process(initiator)
    if !ok { return "", fmt.Errorf("%w: %s", ErrUnknownProcess, initiator) }
    if id == "" { id = NewID() }
    if err := p.InitiateSnapshot(ctx, id); err != nil { return "", err }
    return id, nil
}

// Snapshot initiates at initiator and waits for the assembled result.
func (n *Network) Snapshot(ctx context.Context, initiator, id string) (GlobalSnapshot, error) {
    id, err := n.Initiate(ctx, initiator, id)
    if err != nil { return GlobalSnapshot{}, err }
    return n.opts.Assembler.Wait(ctx, id)
}
