package bootstrap

import (
    "context"
    "encoding/json"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/amirimatin/rabbit-autocluster/pkg/broker/rabbitmqctl"
    "github.com/amirimatin/rabbit-autocluster/pkg/cluster"
    "github.com/amirimatin/rabbit-autocluster/pkg/config"
    "github.com/amirimatin/rabbit-autocluster/pkg/membership/memberlist"
    httpjson "github.com/amirimatin/rabbit-autocluster/pkg/transport/httpjson"
)

const formedStatus = `{"cluster_name":"rabbit@ip-1","disk_nodes":["rabbit@ip-1","rabbit@ip-2"],"running_nodes":["rabbit@ip-1","rabbit@ip-2"]}`

type recorder struct {
    mu    sync.Mutex
    calls []string
}

func (r *recorder) runner() rabbitmqctl.Runner {
    return rabbitmqctl.RunnerFunc(func(_ context.Context, argv []string) (string, string, int, error) {
        r.mu.Lock()
        r.calls = append(r.calls, strings.Join(argv[1:], " "))
        r.mu.Unlock()
        if argv[1] == "cluster_status" { return formedStatus, "", 0, nil }
        return "", "", 0, nil
    })
}

func testConfig() config.Config {
    cfg := config.Default()
    cfg.Self = "ip-1"
    cfg.Source = config.SourceStatic
    cfg.StaticNodes = "ip-1,ip-2"
    cfg.MgmtAddr = "127.0.0.1:0"
    cfg.BackoffInitial = time.Millisecond
    cfg.BackoffMax = time.Millisecond
    return cfg
}

func TestHandlersAgainstFormedCluster(t *testing.T) {
    ctx := context.Background()
    rec := &recorder{}
    n, err := Build(ctx, Options{Config: testConfig(), Runner: rec.runner()})
    if err != nil { t.Fatal(err) }
    h := n.Handlers()

    b, err := h.Plan(ctx)
    if err != nil { t.Fatal(err) }
    var obs cluster.Observation
    if err := json.Unmarshal(b, &obs); err != nil { t.Fatal(err) }
    if obs.Decision.Phase != cluster.PhaseFormed || obs.Self != "rabbit@ip-1" {
        t.Fatalf("unexpected plan: %s", b)
    }

    b, err = h.Converge(ctx)
    if err != nil { t.Fatal(err) }
    var rep cluster.Report
    if err := json.Unmarshal(b, &rep); err != nil { t.Fatal(err) }
    if !rep.Converged || len(rep.Joins) != 0 { t.Fatalf("unexpected report: %s", b) }

    b, err = h.Status(ctx)
    if err != nil { t.Fatal(err) }
    var view StatusView
    if err := json.Unmarshal(b, &view); err != nil { t.Fatal(err) }
    if view.Last == nil || !view.Last.Converged || view.Source != config.SourceStatic || view.GossipHealth != nil {
        t.Fatalf("unexpected status: %s", b)
    }

    rec.mu.Lock()
    defer rec.mu.Unlock()
    for _, c := range rec.calls {
        if !strings.HasPrefix(c, "cluster_status") { t.Fatalf("formed cluster must not be mutated, saw %q", c) }
    }
}

func TestServeOverHTTP(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    rec := &recorder{}
    n, err := Build(ctx, Options{Config: testConfig(), Runner: rec.runner()})
    if err != nil { t.Fatal(err) }
    if err := n.Start(ctx); err != nil { t.Fatal(err) }
    if err := n.Serve(ctx); err != nil { t.Fatal(err) }
    defer n.Close()

    cli, err := NewClient(testConfig(), 5*time.Second)
    if err != nil { t.Fatal(err) }
    if _, ok := cli.(*httpjson.Client); !ok { t.Fatalf("default protocol must be http, got %T", cli) }
    b, err := cli.PostConverge(ctx, n.Server.Addr())
    if err != nil { t.Fatal(err) }
    if !strings.Contains(string(b), `"converged":true`) { t.Fatalf("converge over http: %s", b) }
}

func TestConvergeOutlivesCallerContext(t *testing.T) {
    rec := &recorder{}
    n, err := Build(context.Background(), Options{Config: testConfig(), Runner: rec.runner()})
    if err != nil { t.Fatal(err) }
    ctx, cancel := context.WithCancel(context.Background())
    cancel()
    b, err := n.Handlers().Converge(ctx)
    if err != nil { t.Fatal(err) }
    var rep cluster.Report
    if err := json.Unmarshal(b, &rep); err != nil { t.Fatal(err) }
    if !rep.Converged { t.Fatalf("pass bound to a gone caller: %s", b) }
}

func TestNewSourceKinds(t *testing.T) {
    ctx := context.Background()
    cfg := testConfig()

    cfg.Source = config.SourceDNS
    cfg.DNSNames = "_amqp._tcp.rabbit.internal"
    src, err := NewSource(ctx, cfg, nil)
    if err != nil { t.Fatal(err) }
    if id, _ := src.LocalInstance(ctx); id != "ip-1" { t.Fatalf("dns self = %q", id) }

    cfg.Source = config.SourceGossip
    cfg.GossipBind = "127.0.0.1:0"
    src, err = NewSource(ctx, cfg, nil)
    if err != nil { t.Fatal(err) }
    if _, ok := src.(*memberlist.Source); !ok { t.Fatalf("gossip source type %T", src) }

    cfg.Source = "consul"
    if _, err := NewSource(ctx, cfg, nil); err == nil { t.Fatalf("unknown source must fail") }
}

func TestDialAddr(t *testing.T) {
    cases := map[string]string{
        ":15690":         "127.0.0.1:15690",
        "0.0.0.0:15690":  "127.0.0.1:15690",
        "10.0.0.1:15690": "10.0.0.1:15690",
        "not-an-addr":    "not-an-addr",
    }
    for in, want := range cases {
        if got := DialAddr(in); got != want { t.Fatalf("DialAddr(%q) = %q, want %q", in, got, want) }
    }
}
