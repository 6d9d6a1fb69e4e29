package config

import (
    "errors"
    "os"
    "path/filepath"
    "testing"
    "time"
)

func write(t *testing.T, name, body string) string {
    t.Helper()
    p := filepath.Join(t.TempDir(), name)
    if err := os.WriteFile(p, []byte(body), 0o644); err != nil { t.Fatal(err) }
    return p
}

const yamlDoc = `
sites:
  - id: a
    strength: 70
  - id: b
  - id: c
edges:
  - {from: a, to: b}
  - {from: b, to: c}
  - {from: c, to: a}
initiator: b
management:
  addr: 127.0.0.1:0
  proto: grpc
detector:
  ttl: 900ms
  heartbeat: 300ms
  gossip:
    bind: 127.0.0.1:7946
    join: [127.0.0.1:7947]
replication:
  kind: raft
snapshot:
  timeout: 4s
log:
  json: true
`

const tomlDoc = `
initiator = "a"
[[sites]]
id = "a"
strength = 70
[[sites]]
id = "b"
[management]
addr = "127.0.0.1:0"
[detector]
ttl = "900ms"
heartbeat = "300ms"
[snapshot]
timeout = "4s"
[simulation]
trafficInterval = "50ms"
seed = 9
`

func TestLoad_YAML(t *testing.T) {
    f, err := Load(write(t, "topo.yaml", yamlDoc))
    if err != nil { t.Fatal(err) }
    if len(f.Sites) != 3 || f.Sites[0].Strength != 70 || len(f.Edges) != 3 || f.Ring {
        t.Fatalf("topology = %+v", f)
    }
    if f.Management.Proto != "grpc" || f.Replication.Kind != "raft" || !f.Log.JSON {
        t.Fatalf("sections = %+v", f)
    }
    if f.Detector.TTL.D() != 900*time.Millisecond || f.Snapshot.Timeout.D() != 4*time.Second {
        t.Fatalf("durations = %v %v", f.Detector.TTL.D(), f.Snapshot.Timeout.D())
    }
    if f.Detector.Gossip.Bind == "" || len(f.Detector.Gossip.Join) != 1 { t.Fatalf("gossip = %+v", f.Detector.Gossip) }
    if f.Simulation.LoadInterval.D() != 3*time.Second { t.Fatalf("default load interval not applied") }
}

func TestLoad_TOML(t *testing.T) {
    f, err := Load(write(t, "topo.toml", tomlDoc))
    if err != nil { t.Fatal(err) }
    if len(f.Sites) != 2 || !f.Ring || f.Initiator != "a" {
        t.Fatalf("topology = %+v", f)
    }
    if f.Management.Proto != "http" || f.Replication.Kind != "memory" {
        t.Fatalf("defaults = %+v", f)
    }
    if f.Simulation.TrafficInterval.D() != 50*time.Millisecond || f.Simulation.Seed != 9 {
        t.Fatalf("simulation = %+v", f.Simulation)
    }
}

func TestLoad_Rejects(t *testing.T) {
    cases := []struct {
        name, file, body string
        want             error
    }{
        {"extension", "topo.json", `{}`, ErrUnsupportedFormat},
        {"duplicate site", "d.yaml", "sites: [{id: a}, {id: a}]", ErrInvalid},
        {"unknown edge", "e.yaml", "sites: [{id: a}, {id: b}]\nedges: [{from: a, to: z}]", ErrInvalid},
        {"proto", "p.yaml", "management: {proto: udp}", ErrInvalid},
        {"kind", "k.toml", "[replication]\nkind = \"etcd\"", ErrInvalid},
        {"ttl", "t.yaml", "detector: {ttl: 1s, heartbeat: 2s}", ErrInvalid},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            _, err := Load(write(t, tc.file, tc.body))
            if !errors.Is(err, tc.want) { t.Fatalf("want %v, got %v", tc.want, err) }
        })
    }
    if _, err := Load(write(t, "bad.yaml", "detector: {ttl: soon}")); err == nil {
        t.Fatalf("bad duration accepted")
    }
}

func TestDefaultIsValid(t *testing.T) {
    if err := Default().Validate(); err != nil { t.Fatal(err) }
}
