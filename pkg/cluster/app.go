package cluster

import (
    "context"
    "encoding/json"
    "math/rand"
    "sync"
    "time"
)

// Load is the simulated resource usage a site reports as its local state.
type Load struct {
    CPU      int `json:"cpu"`
    MemoryMB int `json:"memoryMb"`
}

// loadTable keeps per-site simulated load. Values are redrawn on every tick
// of the load loop, so consecutive snapshots see different states.
type loadTable struct {
    mu  sync.Mutex
    rng *rand.Rand
    by  map[string]Load
}

func newLoadTable(seed int64, sites []string) *loadTable {
    t := &loadTable{rng: rand.New(rand.NewSource(seed)), by: make(map[string]Load, len(sites))}
    for _, s := range sites { t.by[s] = t.drawLocked() }
    return t
}

// CPU in [10,90] percent, memory in [100,800] MB.
func (t *loadTable) drawLocked() Load {
    return Load{CPU: 10 + t.rng.Intn(81), MemoryMB: 100 + t.rng.Intn(701)}
}

func (t *loadTable) refresh() {
    t.mu.Lock()
    for s := range t.by { t.by[s] = t.drawLocked() }
    t.mu.Unlock()
}

func (t *loadTable) get(site string) Load {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.by[site]
}

// stateFunc encodes the site's current load for capture.
func (t *loadTable) stateFunc(site string) func() []byte {
    return func() []byte {
        b, _ := json.Marshal(t.get(site))
        return b
    }
}

func (t *loadTable) run(ctx context.Context, every time.Duration) {
    tk := time.NewTicker(every)
    defer tk.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-tk.C:
            t.refresh()
        }
    }
}

// DecodeLoad parses a site's captured local state.
func DecodeLoad(b []byte) (Load, error) {
    var l Load
    err := json.Unmarshal(b, &l)
    return l, err
}
