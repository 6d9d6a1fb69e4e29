package snapshot

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "sync"

    obsmetrics "github.com/amirimatin/go-snapshot/pkg/observability/metrics"
)

// Sink receives completed per-process records. Assembler is the in-memory
// implementation; a replicated one lives in consensus/raft.
type Sink interface {
    Submit(rec Record) error
}

// Reader is the read side shared by the in-memory and replicated assemblers.
type Reader interface {
    Assemble(snapshotID string) (GlobalSnapshot, bool)
    Wait(ctx context.Context, snapshotID string) (GlobalSnapshot, error)
    Missing(snapshotID string) []string
}

// Assembler collects records keyed by (snapshot id, process id) and reports
// when every known process has contributed to a snapshot.
type Assembler struct {
    mu      sync.Mutex
    known   map[string]struct{}
    records map[string]map[string]Record
    changed chan struct{}
}

// NewAssembler returns an assembler expecting records from processIDs.
func NewAssembler(processIDs ...string) *Assembler {
    a := &Assembler{
        known:   make(map[string]struct{}),
        records: make(map[string]map[string]Record),
        changed: make(chan struct{}),
    }
    for _, id := range processIDs { a.known[id] = struct{}{} }
    return a
}

// Track adds process ids to the set a snapshot must hear from.
func (a *Assembler) Track(processIDs ...string) {
    a.mu.Lock()
    for _, id := range processIDs {
        if id != "" { a.known[id] = struct{}{} }
    }
    a.notifyLocked()
    a.mu.Unlock()
}

// Untrack removes a process id, e.g. after it was confirmed failed. Pending
// snapshots waiting only on that process become complete.
func (a *Assembler) Untrack(processID string) {
    a.mu.Lock()
    delete(a.known, processID)
    a.notifyLocked()
    a.mu.Unlock()
}

// Known returns the tracked process ids, sorted.
func (a *Assembler) Known() []string {
    a.mu.Lock()
    defer a.mu.Unlock()
    return a.knownLocked()
}

func (a *Assembler) knownLocked() []string {
    out := make([]string, 0, len(a.known))
    for id := range a.known { out = append(out, id) }
    sort.Strings(out)
    return out
}

// Submit stores rec. A second record for the same (snapshot, process) is a
// protocol violation.
func (a *Assembler) Submit(rec Record) error {
    if rec.SnapshotID == "" || rec.ProcessID == "" {
        return errors.New("snapshot: record without snapshot or process id")
    }
    a.mu.Lock()
    defer a.mu.Unlock()
    byProc := a.records[rec.SnapshotID]
    if byProc == nil {
        byProc = make(map[string]Record)
        a.records[rec.SnapshotID] = byProc
    }
    if _, dup := byProc[rec.ProcessID]; dup {
        obsmetrics.ProtocolViolations.WithLabelValues("duplicate_record").Inc()
        return fmt.Errorf("%w: duplicate record for snapshot %s from %s", ErrProtocolViolation, rec.SnapshotID, rec.ProcessID)
    }
    byProc[rec.ProcessID] = rec
    obsmetrics.AssemblerRecords.Inc()
    if a.completeLocked(rec.SnapshotID) {
        obsmetrics.GlobalSnapshotsAssembled.Inc()
    }
    a.notifyLocked()
    return nil
}

// IsComplete reports whether every id in expected has a record for snapshotID.
func (a *Assembler) IsComplete(snapshotID string, expected []string) bool {
    a.mu.Lock()
    defer a.mu.Unlock()
    byProc := a.records[snapshotID]
    for _, id := range expected {
        if _, ok := byProc[id]; !ok { return false }
    }
    return true
}

// Missing lists the tracked processes that have not yet submitted for
// snapshotID, sorted.
func (a *Assembler) Missing(snapshotID string) []string {
    a.mu.Lock()
    defer a.mu.Unlock()
    var out []string
    for _, id := range a.knownLocked() {
        if _, ok := a.records[snapshotID][id]; !ok { out = append(out, id) }
    }
    return out
}

func (a *Assembler) completeLocked(snapshotID string) bool {
    if len(a.known) == 0 { return false }
    byProc := a.records[snapshotID]
    for id := range a.known {
        if _, ok := byProc[id]; !ok { return false }
    }
    return true
}

// Assemble returns the global snapshot once every tracked process has
// contributed. ok=false means the snapshot is still pending.
func (a *Assembler) Assemble(snapshotID string) (GlobalSnapshot, bool) {
    a.mu.Lock()
    defer a.mu.Unlock()
    return a.assembleLocked(snapshotID)
}

func (a *Assembler) assembleLocked(snapshotID string) (GlobalSnapshot, bool) {
    if !a.completeLocked(snapshotID) {
        return GlobalSnapshot{}, false
    }
    gs := GlobalSnapshot{SnapshotID: snapshotID, Records: make(map[string]Record, len(a.known))}
    for id := range a.known {
        gs.Records[id] = a.records[snapshotID][id]
    }
    return gs, true
}

// Wait blocks until snapshotID is complete or ctx is done. On ctx expiry the
// error wraps both ErrIncomplete and the context error.
func (a *Assembler) Wait(ctx context.Context, snapshotID string) (GlobalSnapshot, error) {
    for {
        a.mu.Lock()
        gs, ok := a.assembleLocked(snapshotID)
        ch := a.changed
        a.mu.Unlock()
        if ok { return gs, nil }
        select {
        case <-ctx.Done():
            return GlobalSnapshot{}, fmt.Errorf("%w: %s: %w", ErrIncomplete, snapshotID, ctx.Err())
        case <-ch:
        }
    }
}

// Snapshots lists every snapshot id with at least one record, sorted.
func (a *Assembler) Snapshots() []string {
    a.mu.Lock()
    defer a.mu.Unlock()
    out := make([]string, 0, len(a.records))
    for id := range a.records { out = append(out, id) }
    sort.Strings(out)
    return out
}

// Forget drops every record for snapshotID.
func (a *Assembler) Forget(snapshotID string) {
    a.mu.Lock()
    delete(a.records, snapshotID)
    a.notifyLocked()
    a.mu.Unlock()
}

// wakes every Wait caller; must hold mu
func (a *Assembler) notifyLocked() {
    close(a.changed)
    a.changed = make(chan struct{})
}

type assemblerState struct {
    Version int      `json:"version"`
    Known   []string `json:"known"`
    Records []Record `json:"records"`
}

// Snapshot encodes the assembler as stable JSON (used by raft snapshots).
func (a *Assembler) Snapshot() ([]byte, error) {
    a.mu.Lock()
    defer a.mu.Unlock()
    st := assemblerState{Version: 1, Known: a.knownLocked()}
    for _, byProc := range a.records {
        for _, r := range byProc { st.Records = append(st.Records, r) }
    }
    sort.Slice(st.Records, func(i, j int) bool {
        if st.Records[i].SnapshotID != st.Records[j].SnapshotID {
            return st.Records[i].SnapshotID < st.Records[j].SnapshotID
        }
        return st.Records[i].ProcessID < st.Records[j].ProcessID
    })
    return json.Marshal(st)
}

// Restore replaces the assembler contents with a Snapshot encoding.
func (a *Assembler) Restore(buf []byte) error {
    var st assemblerState
    if err := json.Unmarshal(buf, &st); err != nil {
        return err
    }
    // Only version 1 exists.
    a.mu.Lock()
    defer a.mu.Unlock()
    a.known = make(map[string]struct{}, len(st.Known))
    for _, id := range st.Known { a.known[id] = struct{}{} }
    a.records = make(map[string]map[string]Record)
    for _, r := range st.Records {
        if r.SnapshotID == "" || r.ProcessID == "" { continue }
        if a.records[r.SnapshotID] == nil { a.records[r.SnapshotID] = make(map[string]Record) }
        a.records[r.SnapshotID][r.ProcessID] = r
    }
    a.notifyLocked()
    return nil
}

var (
    _ Sink   = (*Assembler)(nil)
    _ Reader = (*Assembler)(nil)
)
