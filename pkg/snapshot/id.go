package snapshot

import (
    "crypto/rand"
    "io"
    "sync"
    "time"

    "github.com/oklog/ulid/v2"
)

var (
    idMu        sync.Mutex
    monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh, lexically time-ordered snapshot id (a ULID). Ids
// generated in the same process are strictly increasing.
func NewID() string {
    idMu.Lock()
    defer idMu.Unlock()
    return ulid.MustNew(ulid.Timestamp(time.Now()), monoEntropy).String()
}
