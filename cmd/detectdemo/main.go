package main

import (
    "context"
    "flag"
    "fmt"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/amirimatin/go-snapshot/pkg/detector"
    ml "github.com/amirimatin/go-snapshot/pkg/detector/memberlist"
    "github.com/amirimatin/go-snapshot/pkg/discovery"
)

// detectdemo runs one gossip node and prints the heartbeat monitor's view of
// its peers. Start several with -join to watch failures being detected.
func main() {
    var (
        id        = flag.String("id", "node-1", "node id")
        bind      = flag.String("bind", ":7946", "bind host:port")
        advertise = flag.String("advertise", "", "advertise host:port (optional)")
        joinCSV   = flag.String("join", "", "comma-separated seeds (host:port, dns:name, file:path or env:VAR)")
        ttl       = flag.Duration("ttl", 3*time.Second, "heartbeat timeout")
    )
    flag.Parse()

    ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer cancel()

    mon := detector.NewMonitor(detector.Options{TTL: *ttl, Logger: log.Default()})
    if err := mon.Start(ctx); err != nil { log.Fatal(err) }
    defer mon.Stop()

    src, err := ml.New(ml.Options{NodeID: *id, Bind: *bind, Advertise: *advertise, Target: mon, BeatInterval: *ttl / 3, Logger: log.Default()})
    if err != nil { log.Fatal(err) }
    if err := src.Start(ctx); err != nil { log.Fatal(err) }
    if seeds := discovery.FromSpecs(discovery.Parse(*joinCSV)).Seeds(); len(seeds) > 0 {
        if err := src.Join(seeds); err != nil { log.Printf("join error: %v", err) }
    }

    fmt.Println("detectdemo started. Press Ctrl+C to exit.")
    go func() {
        for e := range mon.Events() {
            fmt.Printf("event: %-6s id=%s reason=%s at=%s\n", e.Type, e.ID, e.Reason, e.At.Format(time.RFC3339))
        }
    }()

    <-ctx.Done()
    _ = src.Leave()
    _ = src.Stop()
}
