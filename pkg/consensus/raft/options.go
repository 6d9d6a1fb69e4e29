package raftcons

import (
    "log"
    "time"
)

// Options configure the Raft-backed replicated assembler.
type Options struct {
    NodeID string
    Logger *log.Logger
    // LogLevel filters raft's internal logging (default "warn").
    LogLevel string

    // Bootstrap forms a single-node group on Start.
    Bootstrap bool

    // Zero means raft defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    // ApplyTimeout bounds one replicated write (default 5s).
    ApplyTimeout time.Duration

    // BindAddr selects a TCP transport (e.g. "127.0.0.1:0"); empty means an
    // in-memory transport, see ConnectInmem.
    BindAddr string
}

func (o *Options) setDefaults() {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.LogLevel == "" { o.LogLevel = "warn" }
    if o.ApplyTimeout <= 0 { o.ApplyTimeout = 5 * time.Second }
}
