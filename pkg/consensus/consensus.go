// Package consensus abstracts the replicated sink that snapshot records can
// be submitted to instead of a single in-memory assembler.
package consensus

import (
    "context"
    "errors"
    "time"

    "github.com/amirimatin/go-snapshot/pkg/snapshot"
)

var (
    ErrNotStarted = errors.New("consensus: not started")
    ErrNotLeader  = errors.New("consensus: not leader")
)

// Command represents a replicated log command. Op selects the assembler
// mutation; Payload is its JSON argument.
type Command struct {
    Op      string
    Payload []byte
}

const (
    OpSubmitRecord = "SubmitRecord"
    OpTrack        = "Track"
    OpUntrack      = "Untrack"
    OpForget       = "Forget"
)

// Consensus is the minimal abstraction over a leader-based consensus engine
// (e.g., RAFT). It exposes leadership, term information and a write path.
type Consensus interface {
    Start(ctx context.Context) error
    Apply(cmd Command, timeout time.Duration) error
    IsLeader() bool
    Leader() (id string, addr string, ok bool)
    Term() uint64
    Stop() error
}

// Replicator is a Consensus engine whose state machine is a
// snapshot.Assembler. It is a snapshot.Sink on the write side and a
// snapshot.Reader over the local replica.
type Replicator interface {
    Consensus
    snapshot.Sink
    snapshot.Reader
    Track(processIDs ...string) error
    Untrack(processID string) error
}
