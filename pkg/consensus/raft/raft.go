package raftcons

import (
    "context"
    "encoding/json"
    "fmt"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/go-hclog"
    "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-snapshot/pkg/consensus"
    "github.com/amirimatin/go-snapshot/pkg/internal/logutil"
    "github.com/amirimatin/go-snapshot/pkg/snapshot"
)

// Node replicates snapshot records through HashiCorp Raft. Every replica
// applies committed records to its own snapshot.Assembler, so any node can
// answer Assemble/Wait from local state while only the leader accepts writes.
type Node struct {
    opts Options
    log  logutil.Component
    asm  *snapshot.Assembler
    lch  chan c.LeaderInfo

    mu    sync.Mutex
    r     *raft.Raft
    addr  raft.ServerAddress
    trans raft.Transport
    obs   *raft.Observer
    quit  chan struct{}
}

func New(opts Options) (*Node, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("raftcons: empty NodeID") }
    opts.setDefaults()
    return &Node{
        opts: opts,
        log:  logutil.For(opts.Logger, "raft "+opts.NodeID),
        asm:  snapshot.NewAssembler(),
        lch:  make(chan c.LeaderInfo, 16),
    }, nil
}

func (n *Node) raftConfig() *raft.Config {
    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(n.opts.NodeID)
    cfg.Logger = hclog.New(&hclog.LoggerOptions{
        Name:   "raft." + n.opts.NodeID,
        Output: n.opts.Logger.Writer(),
        Level:  hclog.LevelFromString(n.opts.LogLevel),
    })
    if n.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
        // raft rejects a lease longer than the heartbeat timeout
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2 }
    }
    if n.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = n.opts.ElectionTimeout }
    if n.opts.CommitTimeout > 0 { cfg.CommitTimeout = n.opts.CommitTimeout }
    return cfg
}

func (n *Node) transport() (raft.ServerAddress, raft.Transport, error) {
    if n.opts.BindAddr == "" {
        addr, t := raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
        return addr, t, nil
    }
    // port 0 binds an ephemeral port; LocalAddr reports the real one
    t, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, time.Second, n.opts.Logger.Writer())
    if err != nil { return "", nil, err }
    return t.LocalAddr(), t, nil
}

// Start creates the raft instance. Records, logs and raft snapshots are kept
// in memory only: they do not outlive the group.
func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.r != nil { return nil }

    cfg := n.raftConfig()
    addr, trans, err := n.transport()
    if err != nil { return err }
    store := raft.NewInmemStore()
    r, err := raft.NewRaft(cfg, newRecordFSM(n.asm), store, store, raft.NewInmemSnapshotStore(), trans)
    if err != nil { return err }
    n.r, n.addr, n.trans = r, addr, trans

    obsCh := make(chan raft.Observation, 32)
    n.obs = raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    r.RegisterObserver(n.obs)
    quit := make(chan struct{})
    n.quit = quit
    go n.observe(obsCh, quit)

    if n.opts.Bootstrap {
        servers := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
        if err := r.BootstrapCluster(servers).Error(); err != nil { return err }
        n.log.Infof("bootstrapped single-node group at %s", addr)
    }

    go func() {
        select {
        case <-ctx.Done():
            _ = n.Stop()
        case <-quit:
        }
    }()
    return nil
}

// forwards leadership observations to LeaderCh until Stop closes quit
func (n *Node) observe(obsCh <-chan raft.Observation, quit <-chan struct{}) {
    for {
        select {
        case o := <-obsCh:
            lo, _ := o.Data.(raft.LeaderObservation)
            if lo.LeaderID == "" { continue }
            n.emitLeader(c.LeaderInfo{ID: string(lo.LeaderID), Addr: string(lo.LeaderAddr), Term: n.Term()})
        case <-quit:
            return
        }
    }
}

func (n *Node) current() *raft.Raft {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.r
}

// LocalAddr is the transport address peers use to reach this node.
func (n *Node) LocalAddr() string {
    n.mu.Lock()
    defer n.mu.Unlock()
    return string(n.addr)
}

func (n *Node) Apply(cmd c.Command, timeout time.Duration) error {
    r := n.current()
    if r == nil { return c.ErrNotStarted }
    if r.State() != raft.Leader { return c.ErrNotLeader }
    data, err := json.Marshal(cmd)
    if err != nil { return err }
    if timeout <= 0 { timeout = n.opts.ApplyTimeout }
    f := r.Apply(data, timeout)
    if err := f.Error(); err != nil { return err }
    // the state machine's own error, e.g. a duplicate record
    if e, ok := f.Response().(error); ok && e != nil { return e }
    return nil
}

func (n *Node) IsLeader() bool {
    r := n.current()
    return r != nil && r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
    r := n.current()
    if r == nil { return "", "", false }
    a, sid := r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
    r := n.current()
    if r == nil { return 0 }
    u, _ := strconv.ParseUint(r.Stats()["term"], 10, 64)
    return u
}

func (n *Node) Stop() error {
    n.mu.Lock()
    r, obs, quit := n.r, n.obs, n.quit
    n.r, n.obs, n.quit = nil, nil, nil
    n.mu.Unlock()
    if r == nil { return nil }
    r.DeregisterObserver(obs)
    close(quit)
    if err := r.Shutdown().Error(); err != nil { return err }
    if cl, ok := n.trans.(raft.WithClose); ok { _ = cl.Close() }
    return nil
}

// LeaderCh reports leader changes. Updates are dropped while the buffer is
// full; readers only care about the latest leader.
func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
    select {
    case n.lch <- li:
    default:
    }
}

// Submit replicates rec. A duplicate (snapshot, process) pair comes back as
// snapshot.ErrProtocolViolation from the state machine.
func (n *Node) Submit(rec snapshot.Record) error {
    payload, err := json.Marshal(rec)
    if err != nil { return err }
    return n.Apply(c.Command{Op: c.OpSubmitRecord, Payload: payload}, 0)
}

// Track replicates the set of process ids snapshots must hear from.
func (n *Node) Track(processIDs ...string) error { return n.applyIDs(c.OpTrack, processIDs) }

func (n *Node) Untrack(processID string) error { return n.applyIDs(c.OpUntrack, []string{processID}) }

// Forget drops a snapshot's records on every replica.
func (n *Node) Forget(snapshotID string) error { return n.applyIDs(c.OpForget, []string{snapshotID}) }

func (n *Node) applyIDs(op string, ids []string) error {
    payload, err := json.Marshal(idsPayload{IDs: ids})
    if err != nil { return err }
    return n.Apply(c.Command{Op: op, Payload: payload}, 0)
}

// Assembler exposes the local replica.
func (n *Node) Assembler() *snapshot.Assembler { return n.asm }

func (n *Node) Assemble(snapshotID string) (snapshot.GlobalSnapshot, bool) { return n.asm.Assemble(snapshotID) }

func (n *Node) Wait(ctx context.Context, snapshotID string) (snapshot.GlobalSnapshot, error) {
    return n.asm.Wait(ctx, snapshotID)
}

func (n *Node) Missing(snapshotID string) []string { return n.asm.Missing(snapshotID) }

// AddVoter joins a replica to the group. An existing entry under the same id
// but another address is replaced.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    r := n.current()
    if r == nil { return c.ErrNotStarted }
    if f := r.GetConfiguration(); f.Error() == nil {
        for _, srv := range f.Configuration().Servers {
            if string(srv.ID) != id { continue }
            if string(srv.Address) == addr { return nil }
            if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil { return err }
            break
        }
    }
    return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    r := n.current()
    if r == nil { return c.ErrNotStarted }
    return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

// ConnectInmem wires in-memory transports of nodes started without BindAddr
// to each other, pairwise.
func ConnectInmem(nodes ...*Node) error {
    for i, a := range nodes {
        for _, b := range nodes[i+1:] {
            la, okA := a.trans.(raft.LoopbackTransport)
            lb, okB := b.trans.(raft.LoopbackTransport)
            if !okA || !okB { return fmt.Errorf("raftcons: %s or %s has no loopback transport", a.opts.NodeID, b.opts.NodeID) }
            la.Connect(b.addr, b.trans)
            lb.Connect(a.addr, a.trans)
        }
    }
    return nil
}

var (
    _ c.Replicator     = (*Node)(nil)
    _ c.LeaderNotifier = (*Node)(nil)
    _ c.Reconfigurer   = (*Node)(nil)
)
