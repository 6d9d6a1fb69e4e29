package logutil

import (
    "bytes"
    "encoding/json"
    "log"
    "strings"
    "testing"
)

func TestText_LevelPrefixAndComponent(t *testing.T) {
    SetJSON(false)
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)

    For(l, "p1").Warnf("marker on %s", "a->b")
    got := buf.String()
    if !strings.HasPrefix(got, "WARN ") { t.Fatalf("missing level prefix: %q", got) }
    if !strings.Contains(got, "[p1] marker on a->b") { t.Fatalf("unexpected line: %q", got) }
}

func TestJSON_Fields(t *testing.T) {
    SetJSON(true)
    defer SetJSON(false)
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)

    For(l, "p2").Infof("captured at %d", 7)
    var evt map[string]any
    if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &evt); err != nil {
        t.Fatalf("not json: %v (%q)", err, buf.String())
    }
    if evt["level"] != "info" || evt["component"] != "p2" || evt["msg"] != "captured at 7" {
        t.Fatalf("unexpected event: %#v", evt)
    }
}

func TestDebug_DisabledByDefault(t *testing.T) {
    SetJSON(false)
    SetDebug(false)
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)
    Debugf(l, "hidden")
    if buf.Len() != 0 { t.Fatalf("debug output leaked: %q", buf.String()) }
    SetDebug(true)
    defer SetDebug(false)
    Debugf(l, "shown")
    if !strings.Contains(buf.String(), "DEBUG shown") { t.Fatalf("debug output missing: %q", buf.String()) }
}
