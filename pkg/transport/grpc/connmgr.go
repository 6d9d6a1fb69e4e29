package grpc

import (
    "context"
    "sync"
    "time"

    "google.golang.org/grpc"

    obsmetrics "github.com/amirimatin/go-snapshot/pkg/observability/metrics"
)

type dialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// ConnManager keeps one client connection per management address. Concurrent
// callers for a new address share a single dial. Connections nobody holds
// are closed after ttl; a watch stream holds its reference until it ends.
type ConnManager struct {
    ttl    time.Duration
    dialer dialFunc

    mu    sync.Mutex
    conns map[string]*managedConn

    closing   chan struct{}
    closeOnce sync.Once
}

type managedConn struct {
    ready    chan struct{} // closed once cc or err is set
    cc       *grpc.ClientConn
    err      error
    refs     int
    lastUsed time.Time
}

func NewConnManager(ttl time.Duration, dialer dialFunc) *ConnManager {
    if ttl <= 0 { ttl = 30 * time.Second }
    m := &ConnManager{ttl: ttl, dialer: dialer, conns: make(map[string]*managedConn), closing: make(chan struct{})}
    go m.janitor()
    return m
}

// Get returns a connection for target and a release func the caller must
// invoke when done with it.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    mc, dial := m.acquire(target)
    release := func() { m.release(target, mc) }
    if dial {
        mc.cc, mc.err = m.dialer(ctx, target)
        if mc.err == nil {
            obsmetrics.GRPCConnDials.Inc()
            obsmetrics.GRPCConnActive.Inc()
        }
        close(mc.ready)
    } else {
        select {
        case <-mc.ready:
        case <-ctx.Done():
            release()
            return nil, func() {}, ctx.Err()
        }
        if mc.err == nil { obsmetrics.GRPCConnReuse.Inc() }
    }
    if mc.err != nil {
        release()
        return nil, func() {}, mc.err
    }
    return mc.cc, release, nil
}

// acquire takes a reference on target's entry; dial=true means the caller
// created it and must dial.
func (m *ConnManager) acquire(target string) (mc *managedConn, dial bool) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if mc = m.conns[target]; mc == nil {
        mc = &managedConn{ready: make(chan struct{})}
        m.conns[target] = mc
        dial = true
    }
    mc.refs++
    mc.lastUsed = time.Now()
    return mc, dial
}

func (m *ConnManager) release(target string, mc *managedConn) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if mc.refs > 0 { mc.refs-- }
    mc.lastUsed = time.Now()
    // failed dials are not cached
    if mc.err != nil && mc.refs == 0 && m.conns[target] == mc { delete(m.conns, target) }
}

// Close closes every cached connection and stops the janitor.
func (m *ConnManager) Close() {
    m.closeOnce.Do(func() { close(m.closing) })
    m.mu.Lock()
    defer m.mu.Unlock()
    for target, mc := range m.conns { m.dropLocked(target, mc) }
}

func (m *ConnManager) janitor() {
    tk := time.NewTicker(m.ttl / 2)
    defer tk.Stop()
    for {
        select {
        case <-m.closing:
            return
        case <-tk.C:
            m.evictIdle(time.Now().Add(-m.ttl))
        }
    }
}

// evictIdle closes unreferenced connections last used before cutoff.
func (m *ConnManager) evictIdle(cutoff time.Time) {
    m.mu.Lock()
    defer m.mu.Unlock()
    for target, mc := range m.conns {
        if mc.refs == 0 && mc.lastUsed.Before(cutoff) {
            obsmetrics.GRPCConnEvictions.Inc()
            m.dropLocked(target, mc)
        }
    }
}

func (m *ConnManager) dropLocked(target string, mc *managedConn) {
    delete(m.conns, target)
    select {
    case <-mc.ready:
    default:
        // still dialing; the dialer owns it
        return
    }
    if mc.cc != nil {
        _ = mc.cc.Close()
        obsmetrics.GRPCConnActive.Dec()
    }
}
