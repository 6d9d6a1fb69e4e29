package clock

import "sync"

// EntryKind classifies a journal entry.
type EntryKind string

const (
    EntryLocal   EntryKind = "local"
    EntrySend    EntryKind = "send"
    EntryReceive EntryKind = "receive"
    EntryCapture EntryKind = "capture"
)

// Entry is one clock-stamped event in a process journal.
type Entry struct {
    Kind    EntryKind `json:"kind"`
    At      Timestamp `json:"at"`
    Process string    `json:"process"`
    Peer    string    `json:"peer,omitempty"`
    Note    string    `json:"note,omitempty"`
}

// Stamp returns the entry's position in the Lamport total order.
func (e Entry) Stamp() Stamp { return Stamp{Time: e.At, Process: e.Process} }

// Journal is a bounded, append-only event log. When full, the oldest entries
// are discarded.
type Journal struct {
    mu    sync.Mutex
    limit int
    items []Entry
}

// NewJournal returns a journal keeping at most limit entries (<=0 → 1024).
func NewJournal(limit int) *Journal {
    if limit <= 0 { limit = 1024 }
    return &Journal{limit: limit}
}

func (j *Journal) Append(e Entry) {
    j.mu.Lock()
    defer j.mu.Unlock()
    if len(j.items) >= j.limit {
        copy(j.items, j.items[1:])
        j.items = j.items[:len(j.items)-1]
    }
    j.items = append(j.items, e)
}

// Entries returns a copy of the retained entries in append order.
func (j *Journal) Entries() []Entry {
    j.mu.Lock()
    defer j.mu.Unlock()
    return append([]Entry(nil), j.items...)
}
