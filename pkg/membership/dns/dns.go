package dns

import (
    "context"
    "errors"
    "fmt"
    "net"
    "sort"
    "strings"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/rabbit-autocluster/pkg/internal/logutil"
    "github.com/amirimatin/rabbit-autocluster/pkg/membership"
)

// GroupName is the group every DNS-discovered member belongs to.
const GroupName = "dns"

// Resolver is the subset of *net.Resolver used for discovery.
type Resolver interface {
    LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
    LookupHost(ctx context.Context, host string) ([]string, error)
    LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Options configures DNS-based membership.
type Options struct {
    // Self is the local host name.
    Self string

    // Names are SRV records or hostnames to resolve.
    // Examples: "_rabbitmq._tcp.example.com" (SRV targets are member hosts) or
    // "rabbitmq.example.com" (A/AAAA answers are reverse-resolved to host names).
    Names []string

    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration

    // Resolver optionally overrides the DNS resolver used.
    Resolver Resolver

    // Logger optional.
    Logger *zap.Logger
}

type impl struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    cache []string
}

// New returns a DNS-backed source that resolves SRV and A/AAAA names and
// caches results for the Refresh duration.
func New(opts Options) membership.Source {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    opts.Logger = logutil.OrNop(opts.Logger)
    return &impl{opts: opts}
}

func (d *impl) LocalInstance(context.Context) (string, error) { return strings.TrimSpace(d.opts.Self), nil }

func (d *impl) DescribeOwningGroup(ctx context.Context, id string) (string, error) {
    hosts, err := d.hosts(ctx)
    if err != nil { return "", err }
    if !membership.ContainsHost(hosts, id) { return "", membership.ErrGroupNotFound }
    return GroupName, nil
}

func (d *impl) ListGroupMembers(ctx context.Context, _ string) ([]membership.Record, error) {
    hosts, err := d.hosts(ctx)
    if err != nil { return nil, err }
    return membership.HostRecords(hosts), nil
}

func (d *impl) hosts(ctx context.Context) ([]string, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if time.Since(d.last) < d.opts.Refresh && len(d.cache) > 0 {
        return append([]string(nil), d.cache...), nil
    }
    res, err := d.resolveAll(ctx)
    if err != nil { return nil, err }
    d.cache = res
    d.last = time.Now()
    return append([]string(nil), d.cache...), nil
}

func (d *impl) resolveAll(ctx context.Context) ([]string, error) {
    seen := make(map[string]struct{})
    var out []string
    var errs []error
    add := func(h string) {
        h = strings.TrimSuffix(h, ".")
        if h == "" { return }
        if _, ok := seen[h]; !ok { out = append(out, h); seen[h] = struct{}{} }
    }
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        if name == "" { continue }
        if strings.HasPrefix(name, "_") && strings.Contains(name, "._") {
            hosts, err := d.lookupSRV(ctx, name)
            if err != nil { errs = append(errs, err); continue }
            for _, h := range hosts { add(h) }
            continue
        }
        hosts, err := d.lookupHost(ctx, name)
        if err != nil { errs = append(errs, err); continue }
        for _, h := range hosts { add(h) }
    }
    if len(out) == 0 && len(errs) > 0 {
        return nil, errors.Join(errs...)
    }
    for _, err := range errs {
        logutil.Warnf(d.opts.Logger, "dns: partial lookup failure: %v", err)
    }
    sort.Strings(out)
    return out, nil
}

func (d *impl) lookupSRV(ctx context.Context, fqdn string) ([]string, error) {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" || proto == "" || domain == "" { return nil, fmt.Errorf("dns: malformed SRV name %q", fqdn) }
    _, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil { return nil, fmt.Errorf("dns: SRV %s: %w", fqdn, err) }
    out := make([]string, 0, len(addrs))
    for _, a := range addrs {
        out = append(out, a.Target)
    }
    return out, nil
}

// lookupHost resolves host to addresses and maps each address back to the
// host name the broker knows it by.
func (d *impl) lookupHost(ctx context.Context, host string) ([]string, error) {
    ips, err := d.opts.Resolver.LookupHost(ctx, host)
    if err != nil { return nil, fmt.Errorf("dns: lookup %s: %w", host, err) }
    var out []string
    for _, ip := range ips {
        names, err := d.opts.Resolver.LookupAddr(ctx, ip)
        if err != nil || len(names) == 0 {
            logutil.Warnf(d.opts.Logger, "dns: no PTR record for %s (%s)", ip, host)
            continue
        }
        out = append(out, names[0])
    }
    return out, nil
}

func parseSRVName(fqdn string) (service, proto, name string) {
    // Expect pattern: _service._proto.name
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 { return "", "", "" }
    s := strings.TrimPrefix(parts[0], "_")
    p := strings.TrimPrefix(parts[1], "_")
    n := parts[2]
    return s, p, n
}
