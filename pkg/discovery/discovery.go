// Package discovery resolves the seed addresses a gossip source joins.
//
// Seed entries come from config as plain strings:
//
//    host:port                a literal seed
//    dns:name[:port]          SRV (_svc._proto.domain) or A/AAAA lookup
//    file:path                one seed per line, glob allowed
//    env:NAME                 comma-separated list from an environment variable
package discovery

import (
    "bufio"
    "context"
    "net"
    "os"
    "path/filepath"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"
)

// Discovery yields the current seed list.
type Discovery interface {
    Seeds() []string
}

const defaultGossipPort = 7946

// Static always returns the same seeds.
type Static []string

func (s Static) Seeds() []string { return normalize(s) }

// Parse splits a comma-separated list.
func Parse(csv string) []string {
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}

// Multi merges several sources into one sorted, de-duplicated list.
type Multi []Discovery

func (m Multi) Seeds() []string {
    var all []string
    for _, d := range m { all = append(all, d.Seeds()...) }
    return normalize(all)
}

// FromSpecs builds a Discovery from config entries (see package doc).
func FromSpecs(entries []string) Discovery {
    var (
        literal Static
        multi   Multi
    )
    for _, e := range entries {
        e = strings.TrimSpace(e)
        switch {
        case e == "":
        case strings.HasPrefix(e, "dns:"):
            name, port := splitDNS(strings.TrimPrefix(e, "dns:"))
            multi = append(multi, NewDNS(DNSOptions{Names: []string{name}, Port: port}))
        case strings.HasPrefix(e, "file:"):
            multi = append(multi, NewFile(FileOptions{Path: strings.TrimPrefix(e, "file:")}))
        case strings.HasPrefix(e, "env:"):
            multi = append(multi, NewFile(FileOptions{Env: strings.TrimPrefix(e, "env:")}))
        default:
            literal = append(literal, e)
        }
    }
    if len(multi) == 0 { return literal }
    if len(literal) > 0 { multi = append(multi, literal) }
    return multi
}

// "name" or "name:port"; SRV names carry their own ports
func splitDNS(s string) (string, int) {
    if i := strings.LastIndexByte(s, ':'); i > 0 {
        if p, err := strconv.Atoi(s[i+1:]); err == nil { return s[:i], p }
    }
    return s, 0
}

type FileOptions struct {
    // Path is a file or glob with one seed per line (commas allowed, # comments).
    Path string
    // Env, when set and non-empty in the environment, overrides Path.
    Env string
    // Refresh bounds how long a read is reused (default 5s).
    Refresh time.Duration
}

type fileSource struct {
    opts  FileOptions
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func NewFile(opts FileOptions) Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &fileSource{opts: opts}
}

func (f *fileSource) Seeds() []string {
    f.mu.Lock()
    defer f.mu.Unlock()
    if f.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(f.opts.Env)); v != "" { return normalize(Parse(v)) }
    }
    if f.opts.Path == "" { return nil }
    now := time.Now()
    if st, err := os.Stat(f.opts.Path); err == nil {
        if st.ModTime().After(f.mtime) || now.Sub(f.last) >= f.opts.Refresh {
            f.cache = readSeedFile(f.opts.Path)
            f.last, f.mtime = now, st.ModTime()
        }
        return append([]string(nil), f.cache...)
    }
    if matches, _ := filepath.Glob(f.opts.Path); len(matches) > 0 {
        var all []string
        for _, m := range matches { all = append(all, readSeedFile(m)...) }
        f.cache, f.last = normalize(all), now
    }
    return append([]string(nil), f.cache...)
}

func readSeedFile(path string) []string {
    fh, err := os.Open(path)
    if err != nil { return nil }
    defer fh.Close()
    var seeds []string
    sc := bufio.NewScanner(fh)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        seeds = append(seeds, Parse(line)...)
    }
    if sc.Err() != nil { return nil }
    return normalize(seeds)
}

type DNSOptions struct {
    // Names are SRV records (_svc._proto.domain), hostnames, or host:port.
    Names []string
    // Port is used for A/AAAA answers (default 7946).
    Port     int
    Refresh  time.Duration
    Resolver *net.Resolver
    // Timeout bounds one resolution round (default 2s).
    Timeout time.Duration
}

type dnsSource struct {
    opts  DNSOptions
    mu    sync.Mutex
    last  time.Time
    cache []string
}

func NewDNS(opts DNSOptions) Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Port == 0 { opts.Port = defaultGossipPort }
    if opts.Timeout <= 0 { opts.Timeout = 2 * time.Second }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    return &dnsSource{opts: opts}
}

func (d *dnsSource) Seeds() []string {
    d.mu.Lock()
    defer d.mu.Unlock()
    if len(d.cache) > 0 && time.Since(d.last) < d.opts.Refresh {
        return append([]string(nil), d.cache...)
    }
    ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
    defer cancel()
    var out []string
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        switch {
        case name == "":
        case strings.Contains(name, ":") && !strings.HasPrefix(name, "_"):
            out = append(out, name)
        case strings.HasPrefix(name, "_") && strings.Contains(name, "._"):
            if recs := d.lookupSRV(ctx, name); len(recs) > 0 {
                out = append(out, recs...)
                continue
            }
            out = append(out, d.lookupHost(ctx, name)...)
        default:
            out = append(out, d.lookupHost(ctx, name)...)
        }
    }
    d.cache, d.last = normalize(out), time.Now()
    return append([]string(nil), d.cache...)
}

func (d *dnsSource) lookupSRV(ctx context.Context, fqdn string) []string {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" { return nil }
    _, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil { return nil }
    out := make([]string, 0, len(addrs))
    for _, a := range addrs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
    }
    return out
}

func (d *dnsSource) lookupHost(ctx context.Context, host string) []string {
    ips, err := d.opts.Resolver.LookupHost(ctx, host)
    if err != nil { return nil }
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port))) }
    return out
}

// _service._proto.name
func parseSRVName(fqdn string) (service, proto, name string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 { return "", "", "" }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}

func normalize(in []string) []string {
    set := make(map[string]struct{}, len(in))
    out := make([]string, 0, len(in))
    for _, s := range in {
        s = strings.TrimSpace(s)
        if s == "" { continue }
        if _, ok := set[s]; ok { continue }
        set[s] = struct{}{}
        out = append(out, s)
    }
    sort.Strings(out)
    return out
}
