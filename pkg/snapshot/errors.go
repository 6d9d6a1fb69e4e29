package snapshot

import "errors"

var (
    // ErrProtocolViolation marks a logic error in topology or initiation: a
    // marker for an id already complete on that channel, or a duplicate record
    // for the same (snapshot, process). Not retried.
    ErrProtocolViolation = errors.New("snapshot: protocol violation")
    // ErrUnknownChannel is returned when traffic names an inbound channel the
    // receiving process does not have.
    ErrUnknownChannel = errors.New("snapshot: unknown channel")
    // ErrUnknownPeer is returned when sending to a process with no outbound channel.
    ErrUnknownPeer = errors.New("snapshot: unknown peer")
    // ErrIncomplete signals a global snapshot that is still pending. It is a
    // normal state, not a failure.
    ErrIncomplete = errors.New("snapshot: incomplete")
    // ErrInconsistentCut is returned by Verify when a recorded message crosses
    // the cut backward in time.
    ErrInconsistentCut = errors.New("snapshot: inconsistent cut")

    ErrTopologyFrozen   = errors.New("snapshot: topology is fixed once processes start")
    ErrDuplicateProcess = errors.New("snapshot: duplicate process")
    ErrUnknownProcess   = errors.New("snapshot: unknown process")
    ErrNotStarted       = errors.New("snapshot: process not started")
    ErrStopped          = errors.New("snapshot: process stopped")
)
