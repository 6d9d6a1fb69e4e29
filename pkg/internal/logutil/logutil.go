package logutil

import (
    "encoding/json"
    "fmt"
    "log"
    "os"
    "sync/atomic"
    "time"
)

var (
    jsonMode  atomic.Bool
    debugMode atomic.Bool
)

func init() {
    if os.Getenv("SNAPSHOT_LOG_JSON") == "1" || os.Getenv("SNAPSHOT_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
    if os.Getenv("SNAPSHOT_LOG_DEBUG") == "1" {
        debugMode.Store(true)
    }
}

func prefix(l *log.Logger, p string) *log.Logger {
    if l == nil { l = log.Default() }
    return log.New(l.Writer(), p, l.Flags())
}

// SetJSON switches every logger routed through this package to one-line JSON.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// SetDebug enables Debugf output.
func SetDebug(enabled bool) { debugMode.Store(enabled) }

func Debugf(l *log.Logger, f string, args ...any) {
    if !debugMode.Load() { return }
    logf(l, "debug", "", f, args...)
}
func Infof(l *log.Logger, f string, args ...any)  { logf(l, "info", "", f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, "warn", "", f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, "error", "", f, args...) }

// Component binds a component name (e.g. a process id) so that every line it
// emits can be attributed without repeating it in each format string.
type Component struct {
    L    *log.Logger
    Name string
}

func For(l *log.Logger, name string) Component { return Component{L: l, Name: name} }

func (c Component) Debugf(f string, args ...any) {
    if !debugMode.Load() { return }
    logf(c.L, "debug", c.Name, f, args...)
}
func (c Component) Infof(f string, args ...any)  { logf(c.L, "info", c.Name, f, args...) }
func (c Component) Warnf(f string, args ...any)  { logf(c.L, "warn", c.Name, f, args...) }
func (c Component) Errorf(f string, args ...any) { logf(c.L, "error", c.Name, f, args...) }

func logf(l *log.Logger, level, component, f string, args ...any) {
    msg := fmt.Sprintf(f, args...)
    if jsonMode.Load() {
        evt := map[string]any{
            "ts":    time.Now().UTC().Format(time.RFC3339Nano),
            "level": level,
            "msg":   msg,
        }
        if component != "" { evt["component"] = component }
        b, _ := json.Marshal(evt)
        if l == nil { l = log.Default() }
        l.Println(string(b))
        return
    }
    if component != "" { msg = "[" + component + "] " + msg }
    switch level {
    case "debug":
        prefix(l, "DEBUG ").Print(msg)
    case "info":
        prefix(l, "INFO ").Print(msg)
    case "warn":
        prefix(l, "WARN ").Print(msg)
    default:
        prefix(l, "ERROR ").Print(msg)
    }
}
