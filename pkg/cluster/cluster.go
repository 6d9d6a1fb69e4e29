package cluster

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "math/rand"
    "sort"
    "strconv"
    "sync"
    "time"

    "github.com/amirimatin/go-snapshot/pkg/consensus"
    "github.com/amirimatin/go-snapshot/pkg/detector"
    "github.com/amirimatin/go-snapshot/pkg/election"
    "github.com/amirimatin/go-snapshot/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-snapshot/pkg/observability/metrics"
    "github.com/amirimatin/go-snapshot/pkg/observability/tracing"
    "github.com/amirimatin/go-snapshot/pkg/snapshot"
    "github.com/amirimatin/go-snapshot/pkg/transport"
)

// recentLimit bounds the snapshot ids reported by Status.
const recentLimit = 32

// Facade exposes the high-level API for consumers.
type Facade interface {
    Start(ctx context.Context) error
    Snapshot(ctx context.Context, initiator string) (string, error)
    Assemble(snapshotID string) (snapshot.GlobalSnapshot, bool)
    SetOnline(site string, online bool) error
    Status(ctx context.Context) (*ClusterStatus, error)
    Subscribe(ctx context.Context) <-chan Event
    Stop(ctx context.Context) error
}

// Cluster wires a network of simulated sites to a record sink, a heartbeat
// monitor, a coordinator election and an optional management endpoint. When
// a site stops beating, a snapshot is taken from a live site and, once it is
// assembled, a new coordinator is elected among the survivors.
type Cluster struct {
    opts Options
    log  logutil.Component
    mu   sync.RWMutex
    run  struct {
        started bool
        closed  bool
        ctx     context.Context
        cancel  context.CancelFunc
        // what start got as far as launching
        repStarted, gossipStarted, rpcStarted bool
    }
    wg sync.WaitGroup

    net    *snapshot.Network
    reader snapshot.Reader
    rep    consensus.Replicator
    mon    *detector.Monitor
    el     *election.Elector
    load   *loadTable
    rpcS   transport.RPCServer
    eb     eventBus

    sites struct {
        mu     sync.Mutex
        order  []string
        online map[string]bool
    }
    snaps struct {
        mu     sync.Mutex
        recent []string
    }
    traffic struct {
        mu  sync.Mutex
        rng *rand.Rand
    }
}

var _ Facade = (*Cluster)(nil)

// New constructs a Cluster from validated options. It performs no network
// activity; call Start to launch the sites.
func New(opts Options) (*Cluster, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    opts.setDefaults()
    c := &Cluster{opts: opts, log: logutil.For(opts.Logger, "cluster"), rep: opts.Replicator, rpcS: opts.RPCServer}
    c.mon = opts.Monitor
    if c.mon == nil {
        c.mon = detector.NewMonitor(detector.Options{TTL: 3 * opts.HeartbeatInterval, Logger: opts.Logger})
    }
    c.el = opts.Elector
    if c.el == nil { c.el = election.New(opts.Logger) }

    rng := rand.New(rand.NewSource(opts.Seed))
    c.sites.online = make(map[string]bool, len(opts.Sites))
    for _, s := range opts.Sites {
        strength := s.Strength
        if strength == 0 { strength = 50 + rng.Int63n(51) }
        c.el.Upsert(s.ID, strength)
        c.sites.order = append(c.sites.order, s.ID)
        c.sites.online[s.ID] = true
    }
    c.load = newLoadTable(opts.Seed, c.sites.order)
    c.traffic.rng = rand.New(rand.NewSource(opts.Seed + 1))
    return c, nil
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error {
    return c.Stop(context.Background())
}

// Network returns the process network, or nil before Start.
func (c *Cluster) Network() *snapshot.Network {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return c.net
}

func (c *Cluster) Elector() *election.Elector { return c.el }
func (c *Cluster) Monitor() *detector.Monitor { return c.mon }

// ManagementAddr returns the management server's bound address, or "" when
// no server is configured.
func (c *Cluster) ManagementAddr() string {
    if c.rpcS == nil { return "" }
    return c.rpcS.Addr()
}

// Sites returns the site ids in configuration order.
func (c *Cluster) Sites() []string {
    c.sites.mu.Lock()
    defer c.sites.mu.Unlock()
    return append([]string(nil), c.sites.order...)
}

// Start launches the replicator (if any), builds and starts the process
// network, the heartbeat monitor and the management endpoint, then begins the
// internal loops. A failed Start tears down whatever it launched; the
// cluster cannot be started again afterwards.
func (c *Cluster) Start(ctx context.Context) error {
    c.mu.Lock()
    if c.run.closed {
        c.mu.Unlock()
        return ErrClosed
    }
    if c.run.started {
        c.mu.Unlock()
        return nil
    }
    obsmetrics.Register()
    rctx, cancel := context.WithCancel(ctx)
    c.run.ctx, c.run.cancel = rctx, cancel
    err := c.start(rctx)
    if err == nil {
        c.run.started = true
        c.mu.Unlock()
        return nil
    }
    c.run.closed = true
    net := c.net
    c.mu.Unlock()
    c.teardown(context.Background(), cancel, net)
    return err
}

// runs with c.mu held; every goroutine is added to wg as it launches
func (c *Cluster) start(rctx context.Context) error {
    nopts := snapshot.NetworkOptions{
        Logger:    c.opts.Logger,
        StateFunc: c.load.stateFunc,
        Handler:   c.handler,
        OnError:   c.onProcessError,
    }
    if c.rep != nil {
        c.run.repStarted = true
        if err := c.rep.Start(rctx); err != nil { return err }
        if err := c.awaitReplicationLeader(rctx); err != nil { return err }
        nopts.Sink = c.rep
        if a, ok := c.rep.(interface{ Assembler() *snapshot.Assembler }); ok {
            nopts.Assembler = a.Assembler()
        }
        c.reader = c.rep
        if ln, ok := c.rep.(consensus.LeaderNotifier); ok {
            c.wg.Add(1)
            go c.replicationLeaderLoop(rctx, ln.LeaderCh())
        }
    }
    net := snapshot.NewNetwork(nopts)
    if err := c.buildTopology(net); err != nil { return err }
    if c.reader == nil { c.reader = net.Assembler() }
    c.net = net
    if err := net.Start(rctx); err != nil { return err }
    for _, id := range net.IDs() {
        p, _ := net.Process(id)
        c.wg.Add(1)
        go c.recordLoop(rctx, p)
    }

    if err := c.mon.Start(rctx); err != nil { return err }
    c.wg.Add(1)
    go c.monitorLoop(rctx)
    for _, id := range c.sites.order { _ = c.mon.Register(id) }
    if g := c.opts.Gossip; g != nil {
        c.run.gossipStarted = true
        if err := g.Start(rctx); err != nil { return err }
        if c.opts.GossipSeeds != nil {
            if seeds := c.opts.GossipSeeds.Seeds(); len(seeds) > 0 {
                if err := g.Join(seeds); err != nil { c.log.Warnf("gossip join %v: %v", seeds, err) }
            }
        }
    }
    c.wg.Add(2)
    go c.heartbeatLoop(rctx)
    go func() {
        defer c.wg.Done()
        c.load.run(rctx, c.opts.LoadInterval)
    }()
    if c.opts.TrafficInterval > 0 {
        c.wg.Add(1)
        go c.trafficLoop(rctx)
    }

    if res, err := c.el.RunAny(); err == nil {
        c.leaderChanged(res, "")
    }

    if c.rpcS != nil {
        h := transport.Handlers{
            Status:   c.statusJSON,
            Initiate: c.handleInitiate,
            Assemble: c.handleAssemble,
            Site:     c.handleSite,
            Watch:    c.watch,
        }
        c.run.rpcStarted = true
        if err := c.rpcS.Start(rctx, h); err != nil { return err }
        c.log.Infof("management endpoint listening at %s (status/metrics/healthz)", c.rpcS.Addr())
    }
    c.log.Infof("started %d site(s), initiator %s", len(c.sites.order), c.opts.Initiator)
    return nil
}

func (c *Cluster) buildTopology(net *snapshot.Network) error {
    if len(c.opts.Edges) == 0 {
        return net.Ring(c.sites.order...)
    }
    for _, id := range c.sites.order {
        if _, err := net.CreateProcess(id); err != nil { return err }
    }
    for _, e := range c.opts.Edges {
        if err := net.Connect(e.From, e.To); err != nil { return err }
    }
    return nil
}

// awaitReplicationLeader blocks until the replicator accepts writes; process
// registration goes through it.
func (c *Cluster) awaitReplicationLeader(ctx context.Context) error {
    deadline := time.Now().Add(c.opts.LeaderTimeout)
    for !c.rep.IsLeader() {
        if time.Now().After(deadline) {
            return fmt.Errorf("cluster: replicator not leader after %s: %w", c.opts.LeaderTimeout, consensus.ErrNotLeader)
        }
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(50 * time.Millisecond):
        }
    }
    return nil
}

// Stop shuts down the management server, the loops, the processes and the
// replicator.
func (c *Cluster) Stop(ctx context.Context) error {
    c.mu.Lock()
    if c.run.closed || !c.run.started {
        c.run.closed = true
        c.mu.Unlock()
        return nil
    }
    c.run.closed = true
    cancel, net := c.run.cancel, c.net
    c.mu.Unlock()

    c.teardown(ctx, cancel, net)
    c.log.Infof("stopped")
    return nil
}

// teardown stops what start launched, in reverse dependency order.
func (c *Cluster) teardown(ctx context.Context, cancel context.CancelFunc, net *snapshot.Network) {
    if c.rpcS != nil && c.run.rpcStarted { _ = c.rpcS.Stop(ctx) }
    if c.opts.Gossip != nil && c.run.gossipStarted { _ = c.opts.Gossip.Stop() }
    cancel()
    if net != nil { net.Stop() }
    c.mon.Stop()
    c.wg.Wait()
    if c.rep != nil && c.run.repStarted { _ = c.rep.Stop() }
}

func (c *Cluster) running() (context.Context, error) {
    c.mu.RLock()
    defer c.mu.RUnlock()
    if !c.run.started || c.run.closed {
        return nil, ErrNotStarted
    }
    return c.run.ctx, nil
}

func (c *Cluster) isSite(id string) bool {
    c.sites.mu.Lock()
    defer c.sites.mu.Unlock()
    _, ok := c.sites.online[id]
    return ok
}

// SetOnline toggles whether site keeps sending heartbeats. An offline site
// still runs its process but is reported failed once its TTL expires.
func (c *Cluster) SetOnline(site string, online bool) error {
    c.sites.mu.Lock()
    prev, ok := c.sites.online[site]
    if ok { c.sites.online[site] = online }
    c.sites.mu.Unlock()
    if !ok {
        return fmt.Errorf("%w: %s", ErrUnknownSite, site)
    }
    if prev == online { return nil }
    if online {
        c.log.Infof("%s back online", site)
        if _, err := c.running(); err == nil { _ = c.mon.Beat(site) }
        return nil
    }
    c.log.Infof("%s stops sending heartbeats", site)
    return nil
}

func (c *Cluster) isOnline(site string) bool {
    c.sites.mu.Lock()
    defer c.sites.mu.Unlock()
    return c.sites.online[site]
}

// Snapshot starts a global snapshot from initiator (the configured or first
// live site when empty) and returns its id. Completion is reported with an
// EventSnapshotComplete, or EventSnapshotTimeout after SnapshotTimeout.
func (c *Cluster) Snapshot(ctx context.Context, initiator string) (string, error) {
    return c.SnapshotWithID(ctx, initiator, "")
}

// SnapshotWithID is Snapshot with a caller-chosen id. Initiating an id that is
// already running is a no-op.
func (c *Cluster) SnapshotWithID(ctx context.Context, initiator, id string) (string, error) {
    rctx, err := c.running()
    if err != nil { return "", err }
    ctx, end := tracing.StartSpan(ctx, "cluster.Snapshot", "initiator", initiator)
    defer end()
    from, err := c.pickInitiator(initiator, "")
    if err != nil { return "", err }
    id, err = c.net.Initiate(ctx, from, id)
    if err != nil { return "", err }
    c.remember(id)
    c.log.Infof("snapshot %s initiated by %s", id, from)
    c.eb.publish(Event{Type: EventSnapshotStarted, SnapshotID: id, Site: from})
    c.wg.Add(1)
    go c.awaitCompletion(rctx, id)
    return id, nil
}

// SnapshotAndWait initiates a snapshot and blocks until it is assembled,
// ctx is done or SnapshotTimeout elapses.
func (c *Cluster) SnapshotAndWait(ctx context.Context, initiator string) (snapshot.GlobalSnapshot, error) {
    id, err := c.Snapshot(ctx, initiator)
    if err != nil { return snapshot.GlobalSnapshot{}, err }
    return c.Wait(ctx, id)
}

// Wait blocks until snapshotID is assembled, bounded by SnapshotTimeout.
func (c *Cluster) Wait(ctx context.Context, snapshotID string) (snapshot.GlobalSnapshot, error) {
    if _, err := c.running(); err != nil { return snapshot.GlobalSnapshot{}, err }
    return c.waitFor(ctx, snapshotID, c.opts.SnapshotTimeout)
}

func (c *Cluster) waitFor(ctx context.Context, snapshotID string, timeout time.Duration) (snapshot.GlobalSnapshot, error) {
    wctx, cancel := context.WithTimeout(ctx, timeout)
    defer cancel()
    gs, err := c.reader.Wait(wctx, snapshotID)
    if err != nil {
        if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
            return snapshot.GlobalSnapshot{}, fmt.Errorf("%w: %w", ErrSnapshotTimeout, err)
        }
        return snapshot.GlobalSnapshot{}, err
    }
    return gs, nil
}

// Assemble returns the global snapshot when every site has contributed.
func (c *Cluster) Assemble(snapshotID string) (snapshot.GlobalSnapshot, bool) {
    if _, err := c.running(); err != nil { return snapshot.GlobalSnapshot{}, false }
    return c.reader.Assemble(snapshotID)
}

// Missing lists the sites that have not yet contributed to snapshotID.
func (c *Cluster) Missing(snapshotID string) []string {
    if _, err := c.running(); err != nil { return nil }
    return c.reader.Missing(snapshotID)
}

func (c *Cluster) remember(id string) {
    c.snaps.mu.Lock()
    defer c.snaps.mu.Unlock()
    for _, s := range c.snaps.recent {
        if s == id { return }
    }
    c.snaps.recent = append(c.snaps.recent, id)
    if len(c.snaps.recent) > recentLimit {
        c.snaps.recent = c.snaps.recent[len(c.snaps.recent)-recentLimit:]
    }
}

// pickInitiator returns want when set, otherwise the preferred initiator if
// it is alive, otherwise the first live site other than exclude.
func (c *Cluster) pickInitiator(want, exclude string) (string, error) {
    if want != "" {
        if !c.isSite(want) { return "", fmt.Errorf("%w: %s", ErrUnknownSite, want) }
        return want, nil
    }
    if p := c.opts.Initiator; p != exclude && c.isOnline(p) && c.mon.IsAlive(p) {
        return p, nil
    }
    for _, id := range c.mon.Alive() {
        if id != exclude && c.isSite(id) && c.isOnline(id) { return id, nil }
    }
    return "", ErrNoInitiator
}

func (c *Cluster) awaitCompletion(ctx context.Context, id string) {
    defer c.wg.Done()
    _, _ = c.settle(ctx, id)
}

// settle waits for snapshot id, verifies it and publishes the outcome.
func (c *Cluster) settle(ctx context.Context, id string) (snapshot.GlobalSnapshot, error) {
    gs, err := c.waitFor(ctx, id, c.opts.SnapshotTimeout)
    if err != nil {
        if ctx.Err() != nil { return gs, err }
        c.log.Warnf("snapshot %s incomplete, missing %v: %v", id, c.reader.Missing(id), err)
        c.eb.publish(Event{Type: EventSnapshotTimeout, SnapshotID: id, Details: map[string]string{"error": err.Error()}})
        return gs, err
    }
    if err := snapshot.Verify(gs); err != nil {
        c.log.Errorf("snapshot %s: %v", id, err)
        c.eb.publish(Event{Type: EventProtocolViolation, SnapshotID: id, Details: map[string]string{"error": err.Error()}})
        return gs, err
    }
    c.log.Infof("snapshot %s complete: %d record(s), %d in-flight message(s)", id, len(gs.Records), gs.InFlight())
    c.eb.publish(Event{Type: EventSnapshotComplete, SnapshotID: id, Details: map[string]string{
        "records":  strconv.Itoa(len(gs.Records)),
        "inFlight": strconv.Itoa(gs.InFlight()),
    }})
    if c.opts.OnSnapshotComplete != nil { c.opts.OnSnapshotComplete(gs) }
    return gs, nil
}

func (c *Cluster) recordLoop(ctx context.Context, p *snapshot.Process) {
    defer c.wg.Done()
    for rec := range p.Subscribe(ctx) {
        c.eb.publish(Event{Type: EventRecordComplete, SnapshotID: rec.SnapshotID, Site: rec.ProcessID, Details: map[string]string{
            "capturedAt": strconv.FormatUint(uint64(rec.CapturedAt), 10),
            "inFlight":   strconv.Itoa(rec.InFlight()),
        }})
    }
}

func (c *Cluster) heartbeatLoop(ctx context.Context) {
    defer c.wg.Done()
    tk := time.NewTicker(c.opts.HeartbeatInterval)
    defer tk.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-tk.C:
            for _, id := range c.Sites() {
                if !c.isOnline(id) { continue }
                if err := c.mon.Beat(id); err != nil { return }
            }
        }
    }
}

func (c *Cluster) monitorLoop(ctx context.Context) {
    defer c.wg.Done()
    for ev := range c.mon.Events() {
        site := c.isSite(ev.ID)
        switch ev.Type {
        case detector.EventAlive:
            if site { _ = c.el.SetActive(ev.ID, true) }
            c.eb.publish(Event{Type: EventSiteAlive, At: ev.At, Site: ev.ID})
        case detector.EventFailed:
            if site { _ = c.el.SetActive(ev.ID, false) }
            c.eb.publish(Event{Type: EventSiteFailed, At: ev.At, Site: ev.ID, Details: map[string]string{"reason": ev.Reason}})
            if c.opts.OnSiteFailed != nil { c.opts.OnSiteFailed(ev.ID) }
            if site && ctx.Err() == nil {
                c.wg.Add(1)
                go c.handleFailure(ctx, ev.ID)
            }
        }
    }
}

// handleFailure records the state around a failure, then elects a new
// coordinator if the site did not come back meanwhile.
func (c *Cluster) handleFailure(ctx context.Context, failed string) {
    defer c.wg.Done()
    ctx, end := tracing.StartSpan(ctx, "cluster.handleFailure", "site", failed)
    defer end()
    from, err := c.pickInitiator("", failed)
    if err != nil {
        c.log.Warnf("no snapshot after %s failed: %v", failed, err)
        return
    }
    id, err := c.net.Initiate(ctx, from, "")
    if err != nil {
        c.log.Warnf("snapshot after %s failed: %v", failed, err)
        return
    }
    c.remember(id)
    c.eb.publish(Event{Type: EventSnapshotStarted, SnapshotID: id, Site: from, Details: map[string]string{"failed": failed}})
    if _, err := c.settle(ctx, id); err != nil {
        if ctx.Err() != nil { return }
        c.log.Warnf("electing without snapshot %s: %v", id, err)
    }
    if c.mon.IsAlive(failed) {
        c.log.Infof("%s recovered before the election", failed)
        return
    }
    res, err := c.el.Run(from)
    if err != nil {
        c.log.Warnf("election after %s failed: %v", failed, err)
        return
    }
    c.leaderChanged(res, failed)
}

func (c *Cluster) leaderChanged(res election.Result, failed string) {
    details := map[string]string{"winner": res.Winner}
    if failed != "" { details["failed"] = failed }
    c.eb.publish(Event{Type: EventLeaderChanged, Site: res.Winner, Election: &res, Details: details})
    if c.opts.OnLeaderChange != nil { c.opts.OnLeaderChange(res) }
}

func (c *Cluster) replicationLeaderLoop(ctx context.Context, ch <-chan consensus.LeaderInfo) {
    defer c.wg.Done()
    for {
        select {
        case <-ctx.Done():
            return
        case li, ok := <-ch:
            if !ok { return }
            c.log.Infof("replication leader: id=%s term=%d", li.ID, li.Term)
            c.eb.publish(Event{Type: EventReplicationLeader, Site: li.ID, Details: map[string]string{"term": strconv.FormatUint(li.Term, 10)}})
        }
    }
}

func (c *Cluster) onProcessError(site string, err error) {
    if errors.Is(err, snapshot.ErrProtocolViolation) {
        c.eb.publish(Event{Type: EventProtocolViolation, Site: site, Details: map[string]string{"error": err.Error()}})
    }
}

// handler logs deliveries; sites never reply.
func (c *Cluster) handler(site string) func(ctx context.Context, d snapshot.Delivery, out snapshot.Outbox) {
    return func(ctx context.Context, d snapshot.Delivery, out snapshot.Outbox) {
        c.log.Debugf("%s <- %s: %q at %d", site, d.From, d.Payload, d.ReceivedAt)
    }
}

// trafficLoop makes a random online site send to a random outbound peer,
// so snapshots have in-flight messages to record.
func (c *Cluster) trafficLoop(ctx context.Context) {
    defer c.wg.Done()
    tk := time.NewTicker(c.opts.TrafficInterval)
    defer tk.Stop()
    var seq int
    for {
        select {
        case <-ctx.Done():
            return
        case <-tk.C:
            sites := c.Sites()
            c.traffic.mu.Lock()
            from := sites[c.traffic.rng.Intn(len(sites))]
            c.traffic.mu.Unlock()
            if !c.isOnline(from) { continue }
            p, ok := c.net.Process(from)
            if !ok { continue }
            outs := p.Outbound()
            if len(outs) == 0 { continue }
            c.traffic.mu.Lock()
            _, to, _ := outs[c.traffic.rng.Intn(len(outs))].Ends()
            c.traffic.mu.Unlock()
            seq++
            if err := p.Send(ctx, to, []byte("msg-"+strconv.Itoa(seq))); err != nil && ctx.Err() == nil {
                c.log.Debugf("traffic %s->%s: %v", from, to, err)
            }
        }
    }
}

// Status reports sites, coordinator, recent snapshots and replication state.
func (c *Cluster) Status(ctx context.Context) (*ClusterStatus, error) {
    if _, err := c.running(); err != nil { return nil, err }
    s := &ClusterStatus{Initiator: c.opts.Initiator}
    s.Leader, _ = c.el.Leader()
    for _, id := range c.Sites() {
        ss := SiteStatus{ID: id, Online: c.isOnline(id), Alive: c.mon.IsAlive(id), Load: c.load.get(id)}
        if cand, ok := c.el.Get(id); ok { ss.Strength = cand.Strength }
        if p, ok := c.net.Process(id); ok { ss.Clock = uint64(p.Now()) }
        if !ss.Alive { s.Warnings = append(s.Warnings, "site "+id+" is not alive") }
        s.Sites = append(s.Sites, ss)
    }
    c.snaps.mu.Lock()
    recent := append([]string(nil), c.snaps.recent...)
    c.snaps.mu.Unlock()
    for _, id := range recent {
        missing := c.reader.Missing(id)
        s.Snapshots = append(s.Snapshots, SnapshotSummary{ID: id, Complete: len(missing) == 0, Missing: missing})
    }
    if c.rep != nil {
        r := &ReplicationStatus{Term: c.rep.Term(), IsLeader: c.rep.IsLeader()}
        r.LeaderID, _, _ = c.rep.Leader()
        s.Replication = r
    }
    if s.Leader == "" { s.Warnings = append(s.Warnings, "no coordinator elected") }
    s.Healthy = len(s.Warnings) == 0
    sort.Strings(s.Warnings)
    return s, nil
}

// AddReplica joins another record replica to the replication group. It
// needs a Replicator whose membership can change, and must run on its leader.
func (c *Cluster) AddReplica(id, addr string) error {
    if _, err := c.running(); err != nil { return err }
    if c.rep == nil { return consensus.ErrFixedMembership }
    if err := consensus.AddReplica(c.rep, id, addr, c.opts.SnapshotTimeout); err != nil { return err }
    c.log.Infof("replica %s at %s joined", id, addr)
    return nil
}

func (c *Cluster) RemoveReplica(id string) error {
    if _, err := c.running(); err != nil { return err }
    if c.rep == nil { return consensus.ErrFixedMembership }
    if err := consensus.RemoveReplica(c.rep, id, c.opts.SnapshotTimeout); err != nil { return err }
    c.log.Infof("replica %s removed", id)
    return nil
}

func (c *Cluster) statusJSON(ctx context.Context) ([]byte, error) {
    st, err := c.Status(ctx)
    if err != nil { return nil, err }
    return json.Marshal(st)
}

func (c *Cluster) requestTimeout(ms int64) time.Duration {
    if ms > 0 { return time.Duration(ms) * time.Millisecond }
    return c.opts.SnapshotTimeout
}

func (c *Cluster) handleInitiate(ctx context.Context, req transport.InitiateRequest) (transport.InitiateResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "cluster.handleInitiate", "initiator", req.Initiator)
    defer end()
    id, err := c.SnapshotWithID(ctx, req.Initiator, req.SnapshotID)
    if err != nil {
        return transport.InitiateResponse{Error: err.Error()}, nil
    }
    resp := transport.InitiateResponse{SnapshotID: id}
    if !req.Wait { return resp, nil }
    gs, err := c.waitFor(ctx, id, c.requestTimeout(req.TimeoutMs))
    if err != nil {
        resp.Error = err.Error()
        return resp, nil
    }
    b, err := json.Marshal(gs)
    if err != nil { return resp, err }
    resp.Snapshot = b
    return resp, nil
}

func (c *Cluster) handleAssemble(ctx context.Context, req transport.AssembleRequest) (transport.AssembleResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "cluster.handleAssemble", "snapshot", req.SnapshotID)
    defer end()
    resp := transport.AssembleResponse{SnapshotID: req.SnapshotID}
    var (
        gs snapshot.GlobalSnapshot
        ok bool
    )
    if req.Wait {
        var err error
        gs, err = c.waitFor(ctx, req.SnapshotID, c.requestTimeout(req.TimeoutMs))
        if err != nil { resp.Error = err.Error() }
        ok = err == nil
    } else {
        gs, ok = c.reader.Assemble(req.SnapshotID)
    }
    resp.Complete = ok
    if !ok {
        resp.Missing = c.reader.Missing(req.SnapshotID)
        return resp, nil
    }
    b, err := json.Marshal(gs)
    if err != nil { return resp, err }
    resp.Snapshot = b
    return resp, nil
}

func (c *Cluster) handleSite(ctx context.Context, req transport.SiteRequest) (transport.SiteResponse, error) {
    if err := c.SetOnline(req.ID, req.Online); err != nil {
        return transport.SiteResponse{Error: err.Error()}, nil
    }
    return transport.SiteResponse{Accepted: true}, nil
}
