package rabbitmqctl

import (
    "context"
    "errors"
    "strings"
    "testing"
    "time"

    "github.com/google/go-cmp/cmp"
    "github.com/prometheus/client_golang/prometheus/testutil"

    "github.com/amirimatin/rabbit-autocluster/pkg/broker"
    obsmetrics "github.com/amirimatin/rabbit-autocluster/pkg/observability/metrics"
)

type call struct{ argv []string }

type scripted struct {
    calls []call
    // exit maps a joined command line to its exit code.
    exit map[string]int
    out  map[string]string
}

func (s *scripted) Run(_ context.Context, argv []string) (string, string, int, error) {
    s.calls = append(s.calls, call{argv: argv})
    line := strings.Join(argv, " ")
    code := s.exit[line]
    if code != 0 { return "", "Error: boom", code, nil }
    return s.out[line], "", 0, nil
}

func (s *scripted) lines() []string {
    var out []string
    for _, c := range s.calls { out = append(out, strings.Join(c.argv, " ")) }
    return out
}

func TestCommandPrefixIsShellParsed(t *testing.T) {
    r := &scripted{}
    c, err := New(Options{Command: `docker exec "rabbit 1" rabbitmqctl`, Runner: r})
    if err != nil { t.Fatal(err) }
    if _, err := c.JoinCluster(context.Background(), " rabbit@ip-10-0-0-2 "); err != nil { t.Fatal(err) }
    want := []string{"docker", "exec", "rabbit 1", "rabbitmqctl", "join_cluster", "rabbit@ip-10-0-0-2"}
    if diff := cmp.Diff(want, r.calls[0].argv); diff != "" {
        t.Fatalf("argv mismatch (-want +got):\n%s", diff)
    }
}

func TestSubcommands(t *testing.T) {
    r := &scripted{}
    c, _ := New(Options{Runner: r, StatusFormat: FormatText})
    ctx := context.Background()
    _, _ = c.QueryStatus(ctx)
    _, _ = c.StopApp(ctx)
    _, _ = c.StartApp(ctx)
    _, _ = c.ForgetNode(ctx, "rabbit@n3")
    want := []string{
        "rabbitmqctl cluster_status",
        "rabbitmqctl stop_app",
        "rabbitmqctl start_app",
        "rabbitmqctl forget_cluster_node rabbit@n3",
    }
    if diff := cmp.Diff(want, r.lines()); diff != "" {
        t.Fatalf("commands mismatch (-want +got):\n%s", diff)
    }
}

func TestAutoStatusFallsBackToText(t *testing.T) {
    r := &scripted{
        exit: map[string]int{"rabbitmqctl cluster_status --formatter json": 64},
        out:  map[string]string{"rabbitmqctl cluster_status": "[{nodes,[]}]"},
    }
    c, _ := New(Options{Runner: r})
    res, err := c.QueryStatus(context.Background())
    if err != nil { t.Fatal(err) }
    if res.Stdout != "[{nodes,[]}]" || res.Command != "rabbitmqctl cluster_status" {
        t.Fatalf("unexpected result: %#v", res)
    }
    if len(r.calls) != 2 { t.Fatalf("expected json attempt then text, got %v", r.lines()) }

    if _, err := c.QueryStatus(context.Background()); err != nil { t.Fatal(err) }
    want := []string{
        "rabbitmqctl cluster_status --formatter json",
        "rabbitmqctl cluster_status",
        "rabbitmqctl cluster_status",
    }
    if diff := cmp.Diff(want, r.lines()); diff != "" {
        t.Fatalf("fallback not remembered (-want +got):\n%s", diff)
    }
}

func TestAutoStatusKeepsTryingJSONWhileBrokerIsDown(t *testing.T) {
    r := &scripted{exit: map[string]int{
        "rabbitmqctl cluster_status --formatter json": 69,
        "rabbitmqctl cluster_status":                  69,
    }}
    c, _ := New(Options{Runner: r})
    _, _ = c.QueryStatus(context.Background())
    _, _ = c.QueryStatus(context.Background())
    if len(r.calls) != 4 || r.lines()[2] != "rabbitmqctl cluster_status --formatter json" {
        t.Fatalf("a down broker must not pin text mode: %v", r.lines())
    }
}

func TestJSONStatusDoesNotFallBack(t *testing.T) {
    r := &scripted{exit: map[string]int{"rabbitmqctl cluster_status --formatter json": 2}}
    c, _ := New(Options{Runner: r, StatusFormat: FormatJSON})
    if _, err := c.QueryStatus(context.Background()); err == nil { t.Fatalf("expected failure") }
    if len(r.calls) != 1 { t.Fatalf("expected a single call, got %v", r.lines()) }
}

func TestNonZeroExitIsCommandFailure(t *testing.T) {
    before := testutil.ToFloat64(obsmetrics.BrokerCommands.WithLabelValues("stop_app", "failed"))
    r := &scripted{exit: map[string]int{"rabbitmqctl stop_app": 69}}
    c, _ := New(Options{Runner: r})
    res, err := c.StopApp(context.Background())
    var cf *broker.CommandFailure
    if !errors.As(err, &cf) { t.Fatalf("expected CommandFailure, got %v", err) }
    if cf.Result.ExitCode != 69 || res.Stderr != "Error: boom" || res.OK() {
        t.Fatalf("unexpected failure payload: %#v", cf.Result)
    }
    if !strings.Contains(err.Error(), "exited 69") { t.Fatalf("unexpected message: %v", err) }
    if got := testutil.ToFloat64(obsmetrics.BrokerCommands.WithLabelValues("stop_app", "failed")); got != before+1 {
        t.Fatalf("failed counter = %v, want %v", got, before+1)
    }
}

func TestTimeoutBoundsEachCall(t *testing.T) {
    slow := RunnerFunc(func(ctx context.Context, _ []string) (string, string, int, error) {
        <-ctx.Done()
        return "", "", -1, ctx.Err()
    })
    c, _ := New(Options{Runner: slow, Timeout: 20 * time.Millisecond})
    _, err := c.StartApp(context.Background())
    if !errors.Is(err, context.DeadlineExceeded) { t.Fatalf("expected deadline exceeded, got %v", err) }
}

func TestNewValidates(t *testing.T) {
    if _, err := New(Options{StatusFormat: "xml"}); err == nil { t.Fatalf("expected format error") }
    if _, err := New(Options{Command: `rabbitmqctl "unterminated`}); err == nil { t.Fatalf("expected parse error") }
}
