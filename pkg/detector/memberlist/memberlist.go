// Package memberlist feeds a detector from HashiCorp memberlist gossip.
package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-snapshot/pkg/internal/logutil"
)

// Target receives liveness signals. *detector.Monitor satisfies it.
type Target interface {
    Beat(id string) error
    Suspect(id string) error
}

// Options configures the gossip heartbeat source.
type Options struct {
    // NodeID is the unique node identifier; it is also the id beaten on the
    // Target.
    NodeID string

    // Bind is the bind address in host:port form (e.g. ":7946" or "0.0.0.0:7946").
    Bind string

    // Advertise is the advertised address (host:port) that peers will use to reach this node.
    // If empty, memberlist derives it from Bind.
    Advertise string

    // Meta is optional metadata associated with the node.
    Meta map[string]string

    Target Target

    // BeatInterval is how often every live gossip member is beaten on the
    // Target (default 1s). Keep it well under the detector TTL.
    BeatInterval time.Duration

    Logger *log.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

// MemberInfo describes a gossip member.
type MemberInfo struct {
    ID   string
    Addr string
    Meta map[string]string
}

// Source turns gossip membership into detector heartbeats: join and update
// notifications beat, leave suspects, and a ticker beats every live member.
type Source struct {
    mu     sync.RWMutex
    opts   Options
    log    logutil.Component
    ml     *memberlist.Memberlist
    cancel context.CancelFunc
    wg     sync.WaitGroup
    closed bool
}

func New(opts Options) (*Source, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("memberlist: empty NodeID")
    }
    if opts.Bind == "" {
        return nil, fmt.Errorf("memberlist: empty Bind address")
    }
    if opts.Target == nil {
        return nil, fmt.Errorf("memberlist: nil Target")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    if opts.BeatInterval <= 0 {
        opts.BeatInterval = time.Second
    }
    return &Source{opts: opts, log: logutil.For(opts.Logger, "gossip "+opts.NodeID)}, nil
}

// Start creates the memberlist instance and the beat ticker.
func (s *Source) Start(ctx context.Context) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.ml != nil {
        return nil
    }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = s.opts.NodeID
    host, port, err := splitHostPort(s.opts.Bind)
    if err != nil {
        return fmt.Errorf("memberlist: invalid bind address %q: %w", s.opts.Bind, err)
    }
    cfg.BindAddr = host
    cfg.BindPort = port

    if s.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(s.opts.Advertise)
        if err != nil {
            return fmt.Errorf("memberlist: invalid advertise address %q: %w", s.opts.Advertise, err)
        }
        cfg.AdvertiseAddr = ahost
        cfg.AdvertisePort = aport
    }

    if s.opts.ProbeInterval > 0 {
        cfg.ProbeInterval = s.opts.ProbeInterval
    }
    if s.opts.ProbeTimeout > 0 {
        cfg.ProbeTimeout = s.opts.ProbeTimeout
    }
    if s.opts.SuspicionMult > 0 {
        cfg.SuspicionMult = s.opts.SuspicionMult
    }
    cfg.LogOutput = s.opts.Logger.Writer()

    cfg.Events = &eventDelegate{target: s.opts.Target, log: s.log}
    metaBytes, _ := json.Marshal(s.opts.Meta)
    cfg.Delegate = &nodeDelegate{meta: metaBytes}

    ml, err := memberlist.Create(cfg)
    if err != nil {
        return err
    }
    s.ml = ml

    bctx, cancel := context.WithCancel(ctx)
    s.cancel = cancel
    s.wg.Add(1)
    go s.beatLoop(bctx)
    return nil
}

func (s *Source) beatLoop(ctx context.Context) {
    defer s.wg.Done()
    t := time.NewTicker(s.opts.BeatInterval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            for _, m := range s.aliveMembers() {
                if err := s.opts.Target.Beat(m); err != nil {
                    s.log.Debugf("beat %s: %v", m, err)
                }
            }
        }
    }
}

func (s *Source) aliveMembers() []string {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.ml == nil {
        return nil
    }
    var out []string
    for _, n := range s.ml.Members() {
        if n.State == memberlist.StateAlive { out = append(out, n.Name) }
    }
    return out
}

func (s *Source) Join(seeds []string) error {
    s.mu.RLock()
    ml := s.ml
    s.mu.RUnlock()
    if ml == nil {
        return fmt.Errorf("memberlist: not started")
    }
    if len(seeds) == 0 {
        return nil
    }
    _, err := ml.Join(seeds)
    return err
}

func (s *Source) Local() MemberInfo {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.ml == nil {
        return MemberInfo{}
    }
    return toInfo(s.ml.LocalNode())
}

func (s *Source) Members() []MemberInfo {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.ml == nil {
        return nil
    }
    nodes := s.ml.Members()
    out := make([]MemberInfo, 0, len(nodes))
    for _, n := range nodes { out = append(out, toInfo(n)) }
    return out
}

// HealthScore exposes memberlist's awareness score, -1 when not started.
func (s *Source) HealthScore() int {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.ml == nil {
        return -1
    }
    return s.ml.GetHealthScore()
}

func (s *Source) Leave() error {
    s.mu.RLock()
    ml := s.ml
    s.mu.RUnlock()
    if ml == nil {
        return nil
    }
    // best-effort: leave and give some time to broadcast
    _ = ml.Leave(time.Second)
    return nil
}

func (s *Source) Stop() error {
    s.mu.Lock()
    if s.closed {
        s.mu.Unlock()
        return nil
    }
    s.closed = true
    cancel := s.cancel
    s.mu.Unlock()
    if cancel != nil { cancel() }
    s.wg.Wait()

    s.mu.Lock()
    defer s.mu.Unlock()
    if s.ml != nil {
        _ = s.ml.Shutdown()
        s.ml = nil
    }
    return nil
}

type eventDelegate struct {
    target Target
    log    logutil.Component
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
    if n == nil { return }
    if err := d.target.Beat(n.Name); err != nil { d.log.Debugf("join %s: %v", n.Name, err) }
}

// memberlist conflates explicit leave with failure; both suspect.
func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    if n == nil { return }
    if err := d.target.Suspect(n.Name); err != nil { d.log.Debugf("leave %s: %v", n.Name, err) }
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
    if n == nil { return }
    if err := d.target.Beat(n.Name); err != nil { d.log.Debugf("update %s: %v", n.Name, err) }
}

func toInfo(n *memberlist.Node) MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), fmt.Sprintf("%d", n.Port)), Meta: meta}
}

func splitHostPort(hp string) (string, int, error) {
    host, portStr, err := net.SplitHostPort(hp)
    if err != nil {
        return "", 0, err
    }
    var p int
    if _, err := fmt.Sscanf(portStr, "%d", &p); err != nil || p < 0 || p > 65535 {
        return "", 0, fmt.Errorf("invalid port: %q", portStr)
    }
    return host, p, nil
}

// nodeDelegate propagates static node metadata.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    if limit <= 0 { return nil }
    return d.meta[:limit]
}

// Unused hooks for our purposes; required to satisfy the interface.
func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
