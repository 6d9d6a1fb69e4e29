package bootstrap

import (
    "context"
    "crypto/tls"
    "fmt"
    "log"
    "time"

    "github.com/amirimatin/go-snapshot/pkg/cluster"
    "github.com/amirimatin/go-snapshot/pkg/config"
    consraft "github.com/amirimatin/go-snapshot/pkg/consensus/raft"
    "github.com/amirimatin/go-snapshot/pkg/detector"
    ml "github.com/amirimatin/go-snapshot/pkg/detector/memberlist"
    "github.com/amirimatin/go-snapshot/pkg/discovery"
    "github.com/amirimatin/go-snapshot/pkg/election"
    "github.com/amirimatin/go-snapshot/pkg/internal/logutil"
    tlsx "github.com/amirimatin/go-snapshot/pkg/security/tlsconfig"
    "github.com/amirimatin/go-snapshot/pkg/snapshot"
    "github.com/amirimatin/go-snapshot/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-snapshot/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-snapshot/pkg/transport/httpjson"
)

// Config defines high-level inputs to assemble a simulation node with
// sensible defaults. Applications embed it by providing this structure and
// calling Build/Run, or load it from a file with FromFile.
type Config struct {
    Sites     []cluster.Site
    Edges     []cluster.Edge // empty → ring
    Initiator string

    // Management API (status/initiate/assemble/site/metrics, watch on gRPC).
    // Empty MgmtAddr disables it.
    MgmtAddr  string
    MgmtProto string // "http" (default) or "grpc"

    // Failure detection
    HeartbeatInterval time.Duration
    DetectorTTL       time.Duration // default 3x heartbeat
    GossipBind        string        // empty disables memberlist gossip
    GossipAdvertise   string
    GossipNodeID      string        // default "snapshot-<gossip bind>"
    GossipSeeds       []string // host:port, dns:, file: or env: entries

    // Record replication: "memory" (default) or "raft" (single-node bootstrap).
    Replication string
    RaftNodeID  string
    RaftBind    string // empty → in-memory raft transport

    SnapshotTimeout time.Duration
    LoadInterval    time.Duration
    TrafficInterval time.Duration
    Seed            int64

    // TLS (optional) for management API
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger

    // Optional callbacks
    OnLeaderChange     func(res election.Result)
    OnSnapshotComplete func(gs snapshot.GlobalSnapshot)
    OnSiteFailed       func(site string)
}

// FromFile converts a loaded config file. It also applies the file's log
// settings process-wide.
func FromFile(f config.File) Config {
    cfg := Config{
        Initiator:         f.Initiator,
        MgmtAddr:          f.Management.Addr,
        MgmtProto:         f.Management.Proto,
        HeartbeatInterval: f.Detector.Heartbeat.D(),
        DetectorTTL:       f.Detector.TTL.D(),
        GossipBind:        f.Detector.Gossip.Bind,
        GossipAdvertise:   f.Detector.Gossip.Advertise,
        GossipNodeID:      f.Detector.Gossip.NodeID,
        GossipSeeds:       f.Detector.Gossip.Join,
        Replication:       f.Replication.Kind,
        RaftNodeID:        f.Replication.NodeID,
        RaftBind:          f.Replication.RaftBind,
        SnapshotTimeout:   f.Snapshot.Timeout.D(),
        LoadInterval:      f.Simulation.LoadInterval.D(),
        TrafficInterval:   f.Simulation.TrafficInterval.D(),
        Seed:              f.Simulation.Seed,
        TLSEnable:         f.Management.TLS.Enable,
        TLSCA:             f.Management.TLS.CA,
        TLSCert:           f.Management.TLS.Cert,
        TLSKey:            f.Management.TLS.Key,
        TLSServerName:     f.Management.TLS.ServerName,
        TLSSkipVerify:     f.Management.TLS.SkipVerify,
    }
    for _, s := range f.Sites { cfg.Sites = append(cfg.Sites, cluster.Site{ID: s.ID, Strength: s.Strength}) }
    for _, e := range f.Edges { cfg.Edges = append(cfg.Edges, cluster.Edge{From: e.From, To: e.To}) }
    logutil.SetJSON(f.Log.JSON)
    logutil.SetDebug(f.Log.Debug)
    return cfg
}

// Build assembles a cluster.Cluster from Config without starting it.
func Build(cfg Config) (*cluster.Cluster, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if cfg.HeartbeatInterval <= 0 { cfg.HeartbeatInterval = time.Second }
    if cfg.DetectorTTL <= 0 { cfg.DetectorTTL = 3 * cfg.HeartbeatInterval }

    mon := detector.NewMonitor(detector.Options{TTL: cfg.DetectorTTL, Logger: cfg.Logger})

    opts := cluster.Options{
        Sites:              cfg.Sites,
        Edges:              cfg.Edges,
        Logger:             cfg.Logger,
        Monitor:            mon,
        Elector:            election.New(cfg.Logger),
        Initiator:          cfg.Initiator,
        HeartbeatInterval:  cfg.HeartbeatInterval,
        LoadInterval:       cfg.LoadInterval,
        SnapshotTimeout:    cfg.SnapshotTimeout,
        TrafficInterval:    cfg.TrafficInterval,
        Seed:               cfg.Seed,
        OnLeaderChange:     cfg.OnLeaderChange,
        OnSnapshotComplete: cfg.OnSnapshotComplete,
        OnSiteFailed:       cfg.OnSiteFailed,
    }

    switch cfg.Replication {
    case "", "memory":
    case "raft":
        id := cfg.RaftNodeID
        if id == "" { id = "snapshot-raft" }
        node, err := consraft.New(consraft.Options{NodeID: id, BindAddr: cfg.RaftBind, Bootstrap: true, Logger: cfg.Logger})
        if err != nil { return nil, err }
        opts.Replicator = node
    default:
        return nil, fmt.Errorf("bootstrap: unknown replication %q", cfg.Replication)
    }

    if cfg.GossipBind != "" {
        id := cfg.GossipNodeID
        if id == "" { id = "snapshot-" + cfg.GossipBind }
        src, err := ml.New(ml.Options{
            NodeID:       id,
            Bind:         cfg.GossipBind,
            Advertise:    cfg.GossipAdvertise,
            Target:       mon,
            BeatInterval: cfg.HeartbeatInterval,
            Logger:       cfg.Logger,
            Meta:         map[string]string{"mgmt": cfg.MgmtAddr},
        })
        if err != nil { return nil, err }
        opts.Gossip = src
        opts.GossipSeeds = discovery.FromSpecs(cfg.GossipSeeds)
    }

    if cfg.MgmtAddr != "" {
        var srvTLS *tls.Config
        if cfg.TLSEnable {
            topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
            s, err := topts.ServerHotReload()
            if err != nil { return nil, err }
            srvTLS = s
        }
        var srv transport.RPCServer
        switch cfg.MgmtProto {
        case "grpc":
            s := mgmtgrpc.NewServer(cfg.MgmtAddr)
            if srvTLS != nil { s.UseTLS(srvTLS) }
            srv = s
        default:
            s := httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
            if srvTLS != nil { s.UseTLS(srvTLS) }
            srv = s
        }
        opts.RPCServer = srv
    }
    return cluster.New(opts)
}

// Run builds and starts the cluster, returning the instance for lifecycle
// control. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*cluster.Cluster, error) {
    cl, err := Build(cfg)
    if err != nil { return nil, err }
    if err := cl.Start(ctx); err != nil { return nil, err }
    return cl, nil
}

// Client returns a management client for proto ("http" or "grpc"), with
// optional mutual TLS.
func Client(proto string, timeout time.Duration, topts tlsx.Options) (transport.RPCClient, error) {
    cliTLS, err := topts.ClientHotReload()
    if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    switch proto {
    case "grpc":
        c := mgmtgrpc.NewClient(timeout)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return c, nil
    case "", "http":
        c := httpjson.NewClient(timeout)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return c, nil
    default:
        return nil, fmt.Errorf("bootstrap: unknown management proto %q", proto)
    }
}
