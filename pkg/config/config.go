// Package config loads a topology file for snapctl run. YAML (.yaml, .yml)
// and TOML (.toml) are accepted; both map onto the same File structure.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/BurntSushi/toml"
    "gopkg.in/yaml.v3"
)

var (
    ErrUnsupportedFormat = errors.New("config: unsupported file format")
    ErrInvalid           = errors.New("config: invalid")
)

// Duration is a time.Duration written as a string ("250ms", "3s").
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
    v, err := time.ParseDuration(strings.TrimSpace(string(b)))
    if err != nil { return err }
    *d = Duration(v)
    return nil
}

type Site struct {
    ID       string `yaml:"id" toml:"id"`
    Strength int64  `yaml:"strength,omitempty" toml:"strength,omitempty"`
}

type Edge struct {
    From string `yaml:"from" toml:"from"`
    To   string `yaml:"to" toml:"to"`
}

type TLS struct {
    Enable     bool   `yaml:"enable" toml:"enable"`
    CA         string `yaml:"ca,omitempty" toml:"ca,omitempty"`
    Cert       string `yaml:"cert,omitempty" toml:"cert,omitempty"`
    Key        string `yaml:"key,omitempty" toml:"key,omitempty"`
    ServerName string `yaml:"serverName,omitempty" toml:"serverName,omitempty"`
    SkipVerify bool   `yaml:"skipVerify,omitempty" toml:"skipVerify,omitempty"`
}

type Management struct {
    Addr  string `yaml:"addr" toml:"addr"`
    Proto string `yaml:"proto" toml:"proto"` // http | grpc
    TLS   TLS    `yaml:"tls" toml:"tls"`
}

type Gossip struct {
    NodeID    string   `yaml:"nodeId,omitempty" toml:"nodeId,omitempty"`
    Bind      string   `yaml:"bind" toml:"bind"`
    Advertise string   `yaml:"advertise,omitempty" toml:"advertise,omitempty"`
    // Join entries are host:port or discovery specs (dns:, file:, env:).
    Join []string `yaml:"join,omitempty" toml:"join,omitempty"`
}

type Detector struct {
    TTL       Duration `yaml:"ttl" toml:"ttl"`
    Heartbeat Duration `yaml:"heartbeat" toml:"heartbeat"`
    Gossip    Gossip   `yaml:"gossip" toml:"gossip"`
}

type Replication struct {
    Kind     string `yaml:"kind" toml:"kind"` // memory | raft
    NodeID   string `yaml:"nodeId,omitempty" toml:"nodeId,omitempty"`
    RaftBind string `yaml:"raftBind,omitempty" toml:"raftBind,omitempty"`
}

type Snapshot struct {
    Timeout Duration `yaml:"timeout" toml:"timeout"`
}

type Simulation struct {
    LoadInterval    Duration `yaml:"loadInterval" toml:"loadInterval"`
    TrafficInterval Duration `yaml:"trafficInterval" toml:"trafficInterval"`
    Seed            int64    `yaml:"seed,omitempty" toml:"seed,omitempty"`
}

type Log struct {
    JSON  bool `yaml:"json" toml:"json"`
    Debug bool `yaml:"debug" toml:"debug"`
}

// File is the on-disk configuration.
type File struct {
    Sites       []Site      `yaml:"sites" toml:"sites"`
    Edges       []Edge      `yaml:"edges,omitempty" toml:"edges,omitempty"`
    Ring        bool        `yaml:"ring,omitempty" toml:"ring,omitempty"`
    Initiator   string      `yaml:"initiator,omitempty" toml:"initiator,omitempty"`
    Management  Management  `yaml:"management" toml:"management"`
    Detector    Detector    `yaml:"detector" toml:"detector"`
    Replication Replication `yaml:"replication" toml:"replication"`
    Snapshot    Snapshot    `yaml:"snapshot" toml:"snapshot"`
    Simulation  Simulation  `yaml:"simulation" toml:"simulation"`
    Log         Log         `yaml:"log" toml:"log"`
}

// Default returns a three-site ring with in-memory record assembly.
func Default() File {
    return File{
        Sites:       []Site{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}},
        Ring:        true,
        Management:  Management{Addr: ":17946", Proto: "http"},
        Detector:    Detector{TTL: Duration(3 * time.Second), Heartbeat: Duration(time.Second)},
        Replication: Replication{Kind: "memory"},
        Snapshot:    Snapshot{Timeout: Duration(10 * time.Second)},
        Simulation:  Simulation{LoadInterval: Duration(3 * time.Second)},
    }
}

// Load reads path, choosing the decoder by extension, fills defaults for
// omitted values and validates the result.
func Load(path string) (File, error) {
    b, err := os.ReadFile(path)
    if err != nil { return File{}, err }
    var f File
    switch strings.ToLower(filepath.Ext(path)) {
    case ".yaml", ".yml":
        err = yaml.Unmarshal(b, &f)
    case ".toml":
        _, err = toml.Decode(string(b), &f)
    default:
        return File{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
    }
    if err != nil { return File{}, fmt.Errorf("config: parse %s: %w", path, err) }
    f.fillDefaults()
    if err := f.Validate(); err != nil { return File{}, err }
    return f, nil
}

func (f *File) fillDefaults() {
    d := Default()
    if len(f.Sites) == 0 { f.Sites = d.Sites }
    if len(f.Edges) == 0 { f.Ring = true }
    if f.Management.Proto == "" { f.Management.Proto = d.Management.Proto }
    if f.Detector.TTL == 0 { f.Detector.TTL = d.Detector.TTL }
    if f.Detector.Heartbeat == 0 { f.Detector.Heartbeat = d.Detector.Heartbeat }
    if f.Replication.Kind == "" { f.Replication.Kind = d.Replication.Kind }
    if f.Snapshot.Timeout == 0 { f.Snapshot.Timeout = d.Snapshot.Timeout }
    if f.Simulation.LoadInterval == 0 { f.Simulation.LoadInterval = d.Simulation.LoadInterval }
}

// Validate checks ids, edges and enumerations.
func (f File) Validate() error {
    if len(f.Sites) == 0 { return fmt.Errorf("%w: no sites", ErrInvalid) }
    seen := make(map[string]bool, len(f.Sites))
    for _, s := range f.Sites {
        if s.ID == "" { return fmt.Errorf("%w: site without id", ErrInvalid) }
        if seen[s.ID] { return fmt.Errorf("%w: duplicate site %q", ErrInvalid, s.ID) }
        seen[s.ID] = true
    }
    if len(f.Edges) > 0 && f.Ring {
        return fmt.Errorf("%w: set either edges or ring", ErrInvalid)
    }
    for _, e := range f.Edges {
        if !seen[e.From] || !seen[e.To] { return fmt.Errorf("%w: edge %s->%s names an unknown site", ErrInvalid, e.From, e.To) }
        if e.From == e.To { return fmt.Errorf("%w: self edge on %s", ErrInvalid, e.From) }
    }
    if f.Initiator != "" && !seen[f.Initiator] {
        return fmt.Errorf("%w: unknown initiator %q", ErrInvalid, f.Initiator)
    }
    switch f.Management.Proto {
    case "", "http", "grpc":
    default:
        return fmt.Errorf("%w: management proto %q", ErrInvalid, f.Management.Proto)
    }
    switch f.Replication.Kind {
    case "", "memory", "raft":
    default:
        return fmt.Errorf("%w: replication kind %q", ErrInvalid, f.Replication.Kind)
    }
    if f.Detector.Heartbeat > 0 && f.Detector.TTL > 0 && f.Detector.TTL <= f.Detector.Heartbeat {
        return fmt.Errorf("%w: detector ttl %s must exceed heartbeat %s", ErrInvalid, f.Detector.TTL.D(), f.Detector.Heartbeat.D())
    }
    return nil
}
