package snapshot

import (
    "context"
    "sync"
)

// Subscribe returns a channel of records this process completes. The channel
// is buffered and closed when ctx is done; records are dropped if the
// consumer falls behind.
func (p *Process) Subscribe(ctx context.Context) <-chan Record {
    ch := make(chan Record, 16)
    p.eb.add(ch)
    go func() {
        <-ctx.Done()
        p.eb.remove(ch)
        close(ch)
    }()
    return ch
}

type recordBus struct {
    mu   sync.Mutex
    subs map[chan Record]struct{}
}

func (e *recordBus) add(ch chan Record) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Record]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *recordBus) remove(ch chan Record) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *recordBus) publish(rec Record) {
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- rec.Clone():
        default:
            // drop if receiver is slow
        }
    }
    e.mu.Unlock()
}
