package cluster

// SiteStatus describes one site as seen by this node.
type SiteStatus struct {
    ID       string `json:"id"`
    Online   bool   `json:"online"`
    Alive    bool   `json:"alive"`
    Strength int64  `json:"strength"`
    Clock    uint64 `json:"clock"`
    Load     Load   `json:"load"`
}

// SnapshotSummary reports the assembly progress of a recent snapshot.
type SnapshotSummary struct {
    ID       string   `json:"id"`
    Complete bool     `json:"complete"`
    Missing  []string `json:"missing,omitempty"`
}

// ReplicationStatus is present when records are replicated through consensus.
type ReplicationStatus struct {
    LeaderID string `json:"leaderId,omitempty"`
    Term     uint64 `json:"term"`
    IsLeader bool   `json:"isLeader"`
}

// ClusterStatus is a high-level, JSON-serializable snapshot of the cluster
// suitable for external status endpoints and tooling.
type ClusterStatus struct {
    // Healthy is true when a coordinator is elected and every site is alive.
    Healthy     bool               `json:"healthy"`
    Leader      string             `json:"leader,omitempty"`
    Initiator   string             `json:"initiator,omitempty"`
    Sites       []SiteStatus       `json:"sites"`
    Snapshots   []SnapshotSummary  `json:"snapshots,omitempty"`
    Replication *ReplicationStatus `json:"replication,omitempty"`
    Warnings    []string           `json:"warnings,omitempty"`
}
