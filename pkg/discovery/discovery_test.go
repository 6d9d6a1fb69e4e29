package discovery

import (
    "os"
    "path/filepath"
    "strings"
    "testing"
    "time"
)

func TestParse(t *testing.T) {
    cases := []struct {
        in   string
        want []string
    }{
        {"", nil},
        {"a:1", []string{"a:1"}},
        {" a:1 , b:2 ", []string{"a:1", "b:2"}},
        {",,a:1, ,b:2,", []string{"a:1", "b:2"}},
    }
    for _, c := range cases {
        got := Parse(c.in)
        if strings.Join(got, ",") != strings.Join(c.want, ",") {
            t.Fatalf("Parse(%q) = %#v, want %#v", c.in, got, c.want)
        }
    }
}

func TestStatic_SortsAndCopies(t *testing.T) {
    d := Static{" b:2 ", "", "a:1", "b:2"}
    got := d.Seeds()
    if strings.Join(got, ",") != "a:1,b:2" { t.Fatalf("seeds = %#v", got) }
    got[0] = "x"
    if d.Seeds()[0] != "a:1" { t.Fatalf("Seeds returned shared storage") }
}

func TestFile_EnvOverridesPath(t *testing.T) {
    f := filepath.Join(t.TempDir(), "seeds.txt")
    if err := os.WriteFile(f, []byte("a:1\n"), 0o644); err != nil { t.Fatal(err) }
    t.Setenv("TEST_SNAPSHOT_SEEDS", "y:8,x:9")
    got := NewFile(FileOptions{Path: f, Env: "TEST_SNAPSHOT_SEEDS"}).Seeds()
    if strings.Join(got, ",") != "x:9,y:8" { t.Fatalf("seeds = %#v", got) }
}

func TestFile_RefreshesAfterWrite(t *testing.T) {
    f := filepath.Join(t.TempDir(), "seeds.txt")
    if err := os.WriteFile(f, []byte("# seeds\na:1\nb:2\n"), 0o644); err != nil { t.Fatal(err) }
    d := NewFile(FileOptions{Path: f, Refresh: 10 * time.Millisecond})
    if got := d.Seeds(); strings.Join(got, ",") != "a:1,b:2" { t.Fatalf("initial = %#v", got) }

    if err := os.WriteFile(f, []byte("b:2, c:3\n"), 0o644); err != nil { t.Fatal(err) }
    time.Sleep(20 * time.Millisecond)
    if got := d.Seeds(); strings.Join(got, ",") != "b:2,c:3" { t.Fatalf("refreshed = %#v", got) }
}

func TestFile_GlobMerges(t *testing.T) {
    dir := t.TempDir()
    _ = os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a:1\nb:2\n"), 0o644)
    _ = os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b:2\nc:3\n"), 0o644)
    got := NewFile(FileOptions{Path: filepath.Join(dir, "*.txt")}).Seeds()
    if strings.Join(got, ",") != "a:1,b:2,c:3" { t.Fatalf("seeds = %#v", got) }
}

func TestDNS_PassthroughAndLocalhost(t *testing.T) {
    if got := NewDNS(DNSOptions{Names: []string{"1.2.3.4:7946"}}).Seeds(); len(got) != 1 || got[0] != "1.2.3.4:7946" {
        t.Fatalf("passthrough = %#v", got)
    }
    got := NewDNS(DNSOptions{Names: []string{"localhost"}, Port: 12345}).Seeds()
    if len(got) == 0 { t.Fatalf("localhost did not resolve") }
    for _, s := range got {
        if !strings.HasSuffix(s, ":12345") { t.Fatalf("missing port in %q", s) }
    }
}

func TestParseSRVName(t *testing.T) {
    s, p, n := parseSRVName("_snapshot._tcp.example.com")
    if s != "snapshot" || p != "tcp" || n != "example.com" { t.Fatalf("got (%q,%q,%q)", s, p, n) }
    if s, _, _ := parseSRVName("bad.srv"); s != "" { t.Fatalf("bad input parsed") }
}

func TestFromSpecs(t *testing.T) {
    t.Setenv("TEST_SNAPSHOT_JOIN", "e:5")
    d := FromSpecs([]string{"z:9", "env:TEST_SNAPSHOT_JOIN", "dns:10.0.0.1:7000", " "})
    if got := d.Seeds(); strings.Join(got, ",") != "10.0.0.1:7000,e:5,z:9" {
        t.Fatalf("seeds = %#v", got)
    }
    if got := FromSpecs(nil).Seeds(); len(got) != 0 { t.Fatalf("empty specs gave %#v", got) }
}
