package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    // Process / protocol
    SnapshotsInitiated = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_snapshot",
        Name:      "initiated_total",
        Help:      "Total number of snapshots initiated by local processes",
    })
    SnapshotsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_snapshot",
        Name:      "process_completed_total",
        Help:      "Total number of per-process snapshot records completed",
    }, []string{"process"})
    MarkersSent = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_snapshot",
        Name:      "markers_sent_total",
        Help:      "Total number of snapshot markers sent",
    }, []string{"process"})
    MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_snapshot",
        Name:      "messages_sent_total",
        Help:      "Total number of application messages sent",
    }, []string{"process"})
    MessagesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_snapshot",
        Name:      "messages_delivered_total",
        Help:      "Total number of application messages delivered to handlers",
    }, []string{"process"})
    InFlightRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_snapshot",
        Name:      "inflight_recorded_total",
        Help:      "Total number of in-flight messages captured in channel states",
    }, []string{"process"})
    ProtocolViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_snapshot",
        Name:      "protocol_violations_total",
        Help:      "Total number of protocol violations observed",
    }, []string{"kind"})
    ClockValue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "go_snapshot",
        Name:      "lamport_clock",
        Help:      "Last observed Lamport clock value per process",
    }, []string{"process"})

    // Assembler
    AssemblerRecords = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_snapshot",
        Subsystem: "assembler",
        Name:      "records_total",
        Help:      "Total number of snapshot records accepted by the assembler",
    })
    GlobalSnapshotsAssembled = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_snapshot",
        Subsystem: "assembler",
        Name:      "global_complete_total",
        Help:      "Total number of global snapshots observed complete",
    })

    // Collaborators
    DetectorFailures = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_snapshot",
        Subsystem: "detector",
        Name:      "failures_total",
        Help:      "Total number of sites declared failed by the heartbeat monitor",
    })
    DetectorAlive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_snapshot",
        Subsystem: "detector",
        Name:      "alive",
        Help:      "Number of sites currently considered alive",
    })
    Elections = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_snapshot",
        Subsystem: "election",
        Name:      "runs_total",
        Help:      "Total number of elections run",
    }, []string{"result"})

    // Management transport
    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_snapshot",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_snapshot",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_snapshot",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_snapshot",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
    WatchSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_snapshot",
        Subsystem: "watch",
        Name:      "subs",
        Help:      "Number of active snapshot watch subscribers",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(SnapshotsInitiated)
        prometheus.MustRegister(SnapshotsCompleted)
        prometheus.MustRegister(MarkersSent)
        prometheus.MustRegister(MessagesSent)
        prometheus.MustRegister(MessagesDelivered)
        prometheus.MustRegister(InFlightRecorded)
        prometheus.MustRegister(ProtocolViolations)
        prometheus.MustRegister(ClockValue)
        prometheus.MustRegister(AssemblerRecords)
        prometheus.MustRegister(GlobalSnapshotsAssembled)
        prometheus.MustRegister(DetectorFailures)
        prometheus.MustRegister(DetectorAlive)
        prometheus.MustRegister(Elections)
        // transport
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
        prometheus.MustRegister(WatchSubscribers)
    })
}
