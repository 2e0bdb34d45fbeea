package file

import (
    "context"
    "errors"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/amirimatin/rabbit-autocluster/pkg/membership"
)

func hostsOf(t *testing.T, s membership.Source) []string {
    t.Helper()
    recs, err := s.ListGroupMembers(context.Background(), GroupName)
    if err != nil { t.Fatal(err) }
    var out []string
    for _, r := range recs { out = append(out, r.PrivateDNSName) }
    return out
}

func TestEnvOverridesFile(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "hosts.txt")
    if err := os.WriteFile(f, []byte("ip-1\n"), 0o644); err != nil { t.Fatal(err) }

    const envName = "TEST_AUTOCLUSTER_HOSTS"
    t.Setenv(envName, "ip-9,ip-8")

    d := New(Options{Self: "ip-8", Path: f, Env: envName, Refresh: 5 * time.Millisecond})
    got := hostsOf(t, d)
    if len(got) != 2 || got[0] != "ip-8" || got[1] != "ip-9" {
        t.Fatalf("env override failed, got %#v", got)
    }
    if g, err := d.DescribeOwningGroup(context.Background(), "ip-8"); err != nil || g != GroupName {
        t.Fatalf("group = %q err=%v", g, err)
    }
}

func TestFileReadAndCacheRefresh(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "hosts.txt")
    if err := os.WriteFile(f, []byte("ip-1\n# comment\nip-2\n"), 0o644); err != nil { t.Fatal(err) }

    d := New(Options{Path: f, Refresh: 10 * time.Millisecond})
    got1 := hostsOf(t, d)
    if len(got1) != 2 || got1[0] != "ip-1" || got1[1] != "ip-2" {
        t.Fatalf("unexpected initial hosts: %#v", got1)
    }

    // Update file and wait for refresh window
    if err := os.WriteFile(f, []byte("ip-2,ip-3\n"), 0o644); err != nil { t.Fatal(err) }
    time.Sleep(15 * time.Millisecond)

    got2 := hostsOf(t, d)
    if len(got2) != 2 || got2[0] != "ip-2" || got2[1] != "ip-3" {
        t.Fatalf("expected refreshed hosts, got %#v", got2)
    }
}

func TestGlobReadsUniqueSorted(t *testing.T) {
    dir := t.TempDir()
    if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("ip-1\nip-2\n"), 0o644); err != nil { t.Fatal(err) }
    if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("ip-2\nip-3\n"), 0o644); err != nil { t.Fatal(err) }

    d := New(Options{Path: filepath.Join(dir, "*.txt"), Refresh: 5 * time.Millisecond})
    got := hostsOf(t, d)
    want := []string{"ip-1", "ip-2", "ip-3"}
    if len(got) != len(want) {
        t.Fatalf("len mismatch: got %d want %d (%#v)", len(got), len(want), got)
    }
    for i := range want {
        if got[i] != want[i] {
            t.Fatalf("item %d: got %q want %q (%#v)", i, got[i], want[i], got)
        }
    }
}

func TestSelfNotListed(t *testing.T) {
    d := New(Options{Self: "ip-7", Env: "TEST_AUTOCLUSTER_HOSTS_EMPTY"})
    if _, err := d.DescribeOwningGroup(context.Background(), "ip-7"); !errors.Is(err, membership.ErrGroupNotFound) {
        t.Fatalf("expected ErrGroupNotFound, got %v", err)
    }
}
