package memberlist

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net"
    "sort"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"
    "go.uber.org/zap"

    "github.com/amirimatin/rabbit-autocluster/pkg/internal/logutil"
    base "github.com/amirimatin/rabbit-autocluster/pkg/membership"
)

// GroupName is the group every gossip peer belongs to.
const GroupName = "gossip"

// metaHost is the node-meta key carrying the broker host name.
const metaHost = "host"

var ErrNotStarted = errors.New("memberlist: not started")

// Options configures the memberlist-based membership source.
type Options struct {
    // NodeID is the unique node identifier. Usually the instance id or host name.
    NodeID string

    // Host is the host name the broker on this node is reachable as. It is
    // gossiped to peers as node metadata. Defaults to NodeID.
    Host string

    // Bind is the bind address in host:port form (e.g. ":7946" or "0.0.0.0:7946").
    Bind string

    // Advertise is the advertised address (host:port) that peers will use to reach this node.
    // If empty, memberlist derives it from Bind.
    Advertise string

    // Seeds are joined right after Start.
    Seeds []string

    // Logger is optional.
    Logger *zap.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

// Source implements membership.Source and membership.Lifecycle on top of
// HashiCorp memberlist. Alive peers are in service and healthy, suspect peers
// are in service but unhealthy, dead or departed peers are terminating.
type Source struct {
    mu   sync.RWMutex
    opts Options
    ml   *memberlist.Memberlist
}

// New constructs a memberlist-backed source. Call Start before the first lookup.
func New(opts Options) (*Source, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("memberlist: empty NodeID")
    }
    if opts.Bind == "" {
        return nil, fmt.Errorf("memberlist: empty Bind address")
    }
    if opts.Host == "" { opts.Host = opts.NodeID }
    opts.Logger = logutil.OrNop(opts.Logger)
    return &Source{opts: opts}, nil
}

// Start creates and launches the underlying memberlist instance and joins the
// configured seeds. A failed join is logged; peers can still reach us later.
func (m *Source) Start(ctx context.Context) error {
    m.mu.Lock()
    if m.ml != nil {
        m.mu.Unlock()
        return nil
    }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.NodeID
    host, portStr, err := net.SplitHostPort(m.opts.Bind)
    if err != nil {
        m.mu.Unlock()
        return fmt.Errorf("memberlist: invalid bind address %q: %w", m.opts.Bind, err)
    }
    port, err := parsePort(portStr)
    if err != nil { m.mu.Unlock(); return err }
    cfg.BindAddr = host
    cfg.BindPort = port

    if m.opts.Advertise != "" {
        ahost, aportStr, err := net.SplitHostPort(m.opts.Advertise)
        if err != nil {
            m.mu.Unlock()
            return fmt.Errorf("memberlist: invalid advertise address %q: %w", m.opts.Advertise, err)
        }
        aport, err := parsePort(aportStr)
        if err != nil { m.mu.Unlock(); return err }
        cfg.AdvertiseAddr = ahost
        cfg.AdvertisePort = aport
    }

    if m.opts.ProbeInterval > 0 { cfg.ProbeInterval = m.opts.ProbeInterval }
    if m.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = m.opts.ProbeTimeout }
    if m.opts.SuspicionMult > 0 { cfg.SuspicionMult = m.opts.SuspicionMult }
    cfg.LogOutput = zap.NewStdLog(m.opts.Logger.Named("memberlist")).Writer()

    cfg.Events = &eventDelegate{logger: m.opts.Logger}
    metaBytes, _ := json.Marshal(map[string]string{metaHost: m.opts.Host})
    cfg.Delegate = &nodeDelegate{meta: metaBytes}

    ml, err := memberlist.Create(cfg)
    if err != nil { m.mu.Unlock(); return err }
    m.ml = ml
    m.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()

    if len(m.opts.Seeds) > 0 {
        if err := m.Join(m.opts.Seeds); err != nil {
            logutil.Warnf(m.opts.Logger, "memberlist: join seeds %v: %v", m.opts.Seeds, err)
        }
    }
    return nil
}

// Join contacts seeds to merge into an existing gossip pool.
func (m *Source) Join(seeds []string) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return ErrNotStarted }
    if len(seeds) == 0 { return nil }
    _, err := ml.Join(seeds)
    return err
}

// Addr returns the advertised gossip address, empty before Start.
func (m *Source) Addr() string {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return "" }
    n := m.ml.LocalNode()
    return net.JoinHostPort(n.Addr.String(), fmt.Sprintf("%d", n.Port))
}

func (m *Source) LocalInstance(context.Context) (string, error) { return m.opts.NodeID, nil }

func (m *Source) DescribeOwningGroup(_ context.Context, id string) (string, error) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return "", ErrNotStarted }
    for _, n := range m.ml.Members() {
        if n.Name == id { return GroupName, nil }
    }
    return "", base.ErrGroupNotFound
}

func (m *Source) ListGroupMembers(context.Context, string) ([]base.Record, error) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return nil, ErrNotStarted }
    nodes := m.ml.Members()
    out := make([]base.Record, 0, len(nodes))
    for _, n := range nodes {
        out = append(out, recordOf(n))
    }
    sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
    return out, nil
}

func recordOf(n *memberlist.Node) base.Record {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    host := meta[metaHost]
    if host == "" { host = n.Name }
    r := base.Record{InstanceID: n.Name, PrivateDNSName: host}
    switch n.State {
    case memberlist.StateAlive:
        r.Lifecycle, r.Health = base.LifecycleInService, base.HealthHealthy
    case memberlist.StateSuspect:
        r.Lifecycle, r.Health = base.LifecycleInService, base.HealthUnhealthy
    default:
        r.Lifecycle, r.Health = base.LifecycleTerminating, base.HealthUnhealthy
    }
    return r
}

// Leave broadcasts a graceful departure.
func (m *Source) Leave() error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return nil }
    // best-effort: leave and give some time to broadcast
    _ = ml.Leave(time.Second)
    return nil
}

func (m *Source) Stop() error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml != nil {
        _ = m.ml.Shutdown()
        m.ml = nil
    }
    return nil
}

// HealthScore exposes memberlist's awareness score if available.
// Implements membership.HealthReporter.
func (m *Source) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return -1 }
    return m.ml.GetHealthScore()
}

type eventDelegate struct{ logger *zap.Logger }

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
    if n == nil { return }
    logutil.Infof(d.logger, "memberlist: peer %s joined at %s", n.Name, n.Address())
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    if n == nil { return }
    // memberlist conflates explicit leave and failure/timeouts.
    logutil.Infof(d.logger, "memberlist: peer %s left", n.Name)
}

func (d *eventDelegate) NotifyUpdate(*memberlist.Node) {}

func parsePort(s string) (int, error) {
    var p int
    _, err := fmt.Sscanf(s, "%d", &p)
    if err != nil || p < 0 || p > 65535 {
        return 0, fmt.Errorf("invalid port: %q", s)
    }
    return p, nil
}

// nodeDelegate implements memberlist.Delegate to propagate the broker host name.
type nodeDelegate struct{ meta []byte }

// NodeMeta is used to retrieve meta-data about the current node when broadcasting
// an alive message. The returned byte slice will be truncated to the given limit,
// as it will be broadcast in gossip.
func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    if limit <= 0 { return nil }
    return d.meta[:limit]
}

// Unused hooks for our purposes; required to satisfy the interface.
func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
