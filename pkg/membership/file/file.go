package file

import (
    "bufio"
    "context"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/rabbit-autocluster/pkg/membership"
)

// GroupName is the group every file-listed member belongs to.
const GroupName = "file"

// Options configures file/ENV-based membership.
type Options struct {
    // Self is the local host name.
    Self string
    // Path to a file (or glob) containing one host per line or comma-separated list.
    Path string
    // Env overrides file when non-empty.
    Env string
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
}

type impl struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) membership.Source { if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }; return &impl{opts: opts} }

func (i *impl) LocalInstance(context.Context) (string, error) { return strings.TrimSpace(i.opts.Self), nil }

func (i *impl) DescribeOwningGroup(_ context.Context, id string) (string, error) {
    if !membership.ContainsHost(i.hosts(), id) { return "", membership.ErrGroupNotFound }
    return GroupName, nil
}

func (i *impl) ListGroupMembers(context.Context, string) ([]membership.Record, error) {
    return membership.HostRecords(i.hosts()), nil
}

func (i *impl) hosts() []string {
    i.mu.Lock(); defer i.mu.Unlock()
    // ENV takes precedence
    if v := strings.TrimSpace(os.Getenv(i.opts.Env)); i.opts.Env != "" && v != "" {
        return parseHosts(v)
    }
    if i.opts.Path == "" {
        return nil
    }
    stat, err := os.Stat(i.opts.Path)
    now := time.Now()
    if err == nil {
        if stat.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
            i.cache = loadFile(i.opts.Path)
            i.last = now
            i.mtime = stat.ModTime()
        }
        return append([]string(nil), i.cache...)
    }
    // try glob
    matches, _ := filepath.Glob(i.opts.Path)
    if len(matches) > 0 {
        var set = make(map[string]struct{})
        for _, m := range matches {
            for _, s := range loadFile(m) { set[s] = struct{}{} }
        }
        var out []string
        for s := range set { out = append(out, s) }
        sort.Strings(out)
        i.cache = out
        i.last = now
        return append([]string(nil), i.cache...)
    }
    return append([]string(nil), i.cache...)
}

func loadFile(path string) []string {
    f, err := os.Open(path)
    if err != nil { return nil }
    defer f.Close()
    var hosts []string
    s := bufio.NewScanner(f)
    for s.Scan() {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        for _, p := range strings.Split(line, ",") {
            p = strings.TrimSpace(p)
            if p != "" { hosts = append(hosts, p) }
        }
    }
    if err := s.Err(); err != nil { return nil }
    set := make(map[string]struct{})
    for _, x := range hosts { set[x] = struct{}{} }
    hosts = hosts[:0]
    for x := range set { hosts = append(hosts, x) }
    sort.Strings(hosts)
    return hosts
}

func parseHosts(csv string) []string {
    if csv == "" { return nil }
    parts := strings.Split(csv, ",")
    var out []string
    for _, p := range parts {
        p = strings.TrimSpace(p)
        if p != "" { out = append(out, p) }
    }
    sort.Strings(out)
    return out
}
