package consensus

import (
    "errors"
    "time"
)

// ErrFixedMembership is returned when the engine cannot change its voter set.
var ErrFixedMembership = errors.New("consensus: membership is fixed")

// Reconfigurer is implemented by engines whose replica set can change at
// runtime. Both calls go through the leader.
type Reconfigurer interface {
    // AddVoter is a no-op when id already votes from addr.
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
}

// AddReplica joins the replica id, reachable at addr, to eng's group.
func AddReplica(eng Consensus, id, addr string, timeout time.Duration) error {
    rc, ok := eng.(Reconfigurer)
    if !ok { return ErrFixedMembership }
    if !eng.IsLeader() { return ErrNotLeader }
    return rc.AddVoter(id, addr, timeout)
}

// RemoveReplica drops id from eng's group.
func RemoveReplica(eng Consensus, id string, timeout time.Duration) error {
    rc, ok := eng.(Reconfigurer)
    if !ok { return ErrFixedMembership }
    if !eng.IsLeader() { return ErrNotLeader }
    return rc.RemoveServer(id, timeout)
}
