package cluster

import (
    "context"
    "errors"
    "fmt"
    "log"
    "time"

    "github.com/amirimatin/go-snapshot/pkg/consensus"
    "github.com/amirimatin/go-snapshot/pkg/detector"
    "github.com/amirimatin/go-snapshot/pkg/discovery"
    "github.com/amirimatin/go-snapshot/pkg/election"
    "github.com/amirimatin/go-snapshot/pkg/snapshot"
    "github.com/amirimatin/go-snapshot/pkg/transport"
)

// Site is one simulated process. Strength is its election weight; zero draws
// a random value in [50,100].
type Site struct {
    ID       string
    Strength int64
}

// Edge is a directed channel between two sites.
type Edge struct {
    From string
    To   string
}

// Gossip is a peer liveness source such as detector/memberlist.Source.
type Gossip interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Stop() error
}

// Options carries dependency-injected components and runtime configuration used
// to assemble the cluster facade. Instances are typically produced from
// bootstrap.Config.
type Options struct {
    Sites []Site
    // Edges lists the channels. Empty means a ring in Sites order.
    Edges []Edge

    Logger *log.Logger

    // Replicator, when set, receives every record and serves reads; the
    // cluster starts and stops it. Otherwise records go to an in-memory
    // assembler.
    Replicator consensus.Replicator

    // Monitor and Elector are created with defaults when nil.
    Monitor *detector.Monitor
    Elector *election.Elector

    // Optional management RPC
    RPCServer transport.RPCServer

    // Gossip, when set, is started after the monitor and joined to
    // the seeds GossipSeeds resolves. It reports remote nodes to the monitor.
    Gossip      Gossip
    GossipSeeds discovery.Discovery

    // Initiator is the preferred site for automatic snapshots.
    Initiator string

    HeartbeatInterval time.Duration // default 1s
    LoadInterval      time.Duration // default 3s
    SnapshotTimeout   time.Duration // default 10s
    LeaderTimeout     time.Duration // replicator leadership wait, default 5s
    // TrafficInterval, when positive, sends one application message between
    // random neighbours per tick.
    TrafficInterval time.Duration
    // Seed drives simulated loads and default strengths; 0 uses the clock.
    Seed int64

    // Optional callbacks for app-level hooks
    OnLeaderChange     func(res election.Result)
    OnSnapshotComplete func(gs snapshot.GlobalSnapshot)
    OnSiteFailed       func(site string)
}

func (o *Options) setDefaults() {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.HeartbeatInterval <= 0 { o.HeartbeatInterval = time.Second }
    if o.LoadInterval <= 0 { o.LoadInterval = 3 * time.Second }
    if o.SnapshotTimeout <= 0 { o.SnapshotTimeout = 10 * time.Second }
    if o.LeaderTimeout <= 0 { o.LeaderTimeout = 5 * time.Second }
    if o.Seed == 0 { o.Seed = time.Now().UnixNano() }
    if o.Initiator == "" && len(o.Sites) > 0 { o.Initiator = o.Sites[0].ID }
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if len(o.Sites) == 0 {
        return errors.New("cluster: no sites")
    }
    seen := make(map[string]bool, len(o.Sites))
    for _, s := range o.Sites {
        if s.ID == "" { return errors.New("cluster: empty site id") }
        if seen[s.ID] { return fmt.Errorf("cluster: duplicate site %q", s.ID) }
        seen[s.ID] = true
    }
    for _, e := range o.Edges {
        if !seen[e.From] || !seen[e.To] {
            return fmt.Errorf("%w: edge %s->%s", ErrUnknownSite, e.From, e.To)
        }
        if e.From == e.To {
            return fmt.Errorf("cluster: self edge on %s", e.From)
        }
    }
    if o.Initiator != "" && !seen[o.Initiator] {
        return fmt.Errorf("%w: initiator %s", ErrUnknownSite, o.Initiator)
    }
    return nil
}
