package consensus

// LeaderInfo describes the current known leader of the replication group.
type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// LeaderNotifier is an optional interface that a Consensus implementation may
// provide to notify about leadership changes via an observable channel.
type LeaderNotifier interface {
    LeaderCh() <-chan LeaderInfo
}
