package rabbitmqctl

import (
    "bytes"
    "context"
    "errors"
    "fmt"
    "os/exec"
    "strings"
    "sync/atomic"
    "time"

    "github.com/mattn/go-shellwords"
    "go.uber.org/zap"

    "github.com/amirimatin/rabbit-autocluster/pkg/broker"
    "github.com/amirimatin/rabbit-autocluster/pkg/internal/logutil"
    "github.com/amirimatin/rabbit-autocluster/pkg/node"
    obsmetrics "github.com/amirimatin/rabbit-autocluster/pkg/observability/metrics"
)

// Status formats accepted by Options.StatusFormat.
const (
    FormatAuto = "auto"
    FormatJSON = "json"
    FormatText = "text"
)

var ErrEmptyCommand = errors.New("rabbitmqctl: empty command")

// Runner executes argv and captures its output. A non-zero exit is reported
// through exitCode with a nil error; err is reserved for commands that could
// not run or were interrupted.
type Runner interface {
    Run(ctx context.Context, argv []string) (stdout, stderr string, exitCode int, err error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, argv []string) (string, string, int, error)

func (f RunnerFunc) Run(ctx context.Context, argv []string) (string, string, int, error) { return f(ctx, argv) }

// ExecRunner runs commands as child processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string) (string, string, int, error) {
    var stdout, stderr bytes.Buffer
    cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
    cmd.Stdout = &stdout
    cmd.Stderr = &stderr
    err := cmd.Run()
    if ctx.Err() != nil { return stdout.String(), stderr.String(), -1, ctx.Err() }
    var exitErr *exec.ExitError
    if errors.As(err, &exitErr) { return stdout.String(), stderr.String(), exitErr.ExitCode(), nil }
    if err != nil { return stdout.String(), stderr.String(), -1, err }
    return stdout.String(), stderr.String(), 0, nil
}

// Options configures Ctl.
type Options struct {
    // Command is the command line prefix, shell-quoted. Defaults to "rabbitmqctl".
    // Example: "docker exec rabbit rabbitmqctl".
    Command string
    // StatusFormat selects how cluster_status is queried: auto, json or text.
    StatusFormat string
    // Timeout bounds every command. Zero means no bound beyond the caller's context.
    Timeout time.Duration
    Runner  Runner
    Logger  *zap.Logger
}

// Ctl drives the broker through its command line control tool.
type Ctl struct {
    argv    []string
    format  string
    timeout time.Duration
    runner  Runner
    logger  *zap.Logger

    // textOnly is set once auto mode has seen the json formatter fail and the
    // text form succeed; later queries go straight to text.
    textOnly atomic.Bool
}

var _ broker.Control = (*Ctl)(nil)

func New(opts Options) (*Ctl, error) {
    if strings.TrimSpace(opts.Command) == "" { opts.Command = "rabbitmqctl" }
    argv, err := shellwords.Parse(opts.Command)
    if err != nil { return nil, fmt.Errorf("rabbitmqctl: parse command %q: %w", opts.Command, err) }
    if len(argv) == 0 { return nil, ErrEmptyCommand }
    switch opts.StatusFormat {
    case "":
        opts.StatusFormat = FormatAuto
    case FormatAuto, FormatJSON, FormatText:
    default:
        return nil, fmt.Errorf("rabbitmqctl: unknown status format %q", opts.StatusFormat)
    }
    if opts.Runner == nil { opts.Runner = ExecRunner{} }
    return &Ctl{argv: argv, format: opts.StatusFormat, timeout: opts.Timeout, runner: opts.Runner, logger: logutil.OrNop(opts.Logger)}, nil
}

func (c *Ctl) QueryStatus(ctx context.Context) (broker.Result, error) {
    switch c.format {
    case FormatText:
        return c.run(ctx, "cluster_status")
    case FormatJSON:
        return c.run(ctx, "cluster_status", "--formatter", "json")
    }
    if c.textOnly.Load() { return c.run(ctx, "cluster_status") }
    res, err := c.run(ctx, "cluster_status", "--formatter", "json")
    if err == nil || ctx.Err() != nil { return res, err }
    logutil.Infof(c.logger, "structured status unavailable, falling back to text")
    res, err = c.run(ctx, "cluster_status")
    if err == nil {
        c.textOnly.Store(true)
        logutil.Infof(c.logger, "broker has no json formatter; using text status from now on")
    }
    return res, err
}

func (c *Ctl) StopApp(ctx context.Context) (broker.Result, error)  { return c.run(ctx, "stop_app") }
func (c *Ctl) StartApp(ctx context.Context) (broker.Result, error) { return c.run(ctx, "start_app") }

func (c *Ctl) JoinCluster(ctx context.Context, peer node.Identity) (broker.Result, error) {
    return c.run(ctx, "join_cluster", string(peer.Normalize()))
}

func (c *Ctl) ForgetNode(ctx context.Context, n node.Identity) (broker.Result, error) {
    return c.run(ctx, "forget_cluster_node", string(n.Normalize()))
}

func (c *Ctl) run(ctx context.Context, sub string, args ...string) (broker.Result, error) {
    argv := append(append(append([]string(nil), c.argv...), sub), args...)
    res := broker.Result{Command: strings.Join(argv, " ")}
    if c.timeout > 0 {
        var cancel context.CancelFunc
        ctx, cancel = context.WithTimeout(ctx, c.timeout)
        defer cancel()
    }
    logutil.Infof(c.logger, "executing: %s", res.Command)
    stdout, stderr, code, err := c.runner.Run(ctx, argv)
    res.Stdout, res.Stderr, res.ExitCode = stdout, stderr, code
    if err != nil {
        obsmetrics.BrokerCommands.WithLabelValues(sub, "error").Inc()
        logutil.Errorf(c.logger, "%s failed: %v", res.Command, err)
        return res, &broker.CommandFailure{Result: res, Err: err}
    }
    if code != 0 {
        obsmetrics.BrokerCommands.WithLabelValues(sub, "failed").Inc()
        logutil.Errorf(c.logger, "%s exited %d: %s", res.Command, code, strings.TrimSpace(stderr))
        return res, &broker.CommandFailure{Result: res}
    }
    obsmetrics.BrokerCommands.WithLabelValues(sub, "ok").Inc()
    return res, nil
}
