package cli

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "github.com/amirimatin/rabbit-autocluster/pkg/bootstrap"
    "github.com/amirimatin/rabbit-autocluster/pkg/broker/rabbitmqctl"
    "github.com/amirimatin/rabbit-autocluster/pkg/cluster"
    "github.com/amirimatin/rabbit-autocluster/pkg/config"
    "github.com/amirimatin/rabbit-autocluster/pkg/internal/logutil"
    "github.com/amirimatin/rabbit-autocluster/pkg/membership"
    "github.com/amirimatin/rabbit-autocluster/pkg/observability/metrics"
    "github.com/amirimatin/rabbit-autocluster/pkg/observability/tracing"
)

// ErrNotConverged is returned by the converge command when the remote pass
// did not converge.
var ErrNotConverged = errors.New("cli: pass did not converge")

// deps holds test seams. Zero values select the real implementations.
type deps struct {
    runner rabbitmqctl.Runner
}

// env is the per-invocation state shared by the subcommands.
type env struct {
    cfg      config.Config
    logger   *zap.Logger
    shutdown func(context.Context) error
}

// NewRootCommand returns the autocluster command. Without a subcommand it
// behaves like "run".
func NewRootCommand() *cobra.Command { return newRoot(deps{}) }

func newRoot(d deps) *cobra.Command {
    var configPath string
    root := &cobra.Command{
        Use:           "autocluster",
        Short:         "Join the local RabbitMQ node to the cluster formed by its group",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    root.PersistentFlags().StringVar(&configPath, "config", "", "optional config file (yaml, json or toml)")
    config.RegisterFlags(root.PersistentFlags())

    run := newRunCmd(d, &configPath)
    root.RunE = run.RunE
    root.AddCommand(run)
    root.AddCommand(newWatchCmd(d, &configPath))
    root.AddCommand(newPlanCmd(d, &configPath))
    root.AddCommand(newStatusCmd(&configPath))
    root.AddCommand(newConvergeCmd(&configPath))
    root.AddCommand(newMembersCmd(&configPath))
    return root
}

func setup(cmd *cobra.Command, configPath string) (*env, error) {
    cfg, err := config.Load(cmd.Flags(), configPath)
    if err != nil { return nil, err }
    if cfg.LogJSON { logutil.SetJSON(true) }
    logger, err := logutil.New(cfg.LogLevel)
    if err != nil { return nil, err }
    metrics.Register()
    shutdown, err := tracing.Setup(cfg.Trace)
    if err != nil {
        logutil.Warnf(logger, "tracing setup error: %v", err)
        shutdown = func(context.Context) error { return nil }
    }
    return &env{cfg: cfg, logger: logger, shutdown: shutdown}, nil
}

func (e *env) close() {
    _ = e.shutdown(context.Background())
    _ = e.logger.Sync()
}

// gate reports whether the controller may act. A disabled controller exits
// successfully without touching the broker.
func (e *env) gate() bool {
    if e.cfg.Enabled { return true }
    logutil.Infof(e.logger, "autocluster disabled; set %s=true or --enabled to activate", config.LegacyGateEnv)
    return false
}

func (e *env) build(ctx context.Context, d deps) (*bootstrap.Node, error) {
    n, err := bootstrap.Build(ctx, bootstrap.Options{Config: e.cfg, Logger: e.logger, Runner: d.runner})
    if err != nil { return nil, err }
    if err := n.Start(ctx); err != nil {
        _ = n.Close()
        return nil, err
    }
    return n, nil
}

func newRunCmd(d deps, configPath *string) *cobra.Command {
    return &cobra.Command{
        Use:   "run",
        Short: "Run one convergence pass and one cleanup pass, then exit",
        RunE: func(cmd *cobra.Command, args []string) error {
            e, err := setup(cmd, *configPath)
            if err != nil { return err }
            defer e.close()
            if !e.gate() { return nil }

            ctx, cancel := signalContext()
            defer cancel()
            if err := delay(ctx, e); err != nil { return err }

            n, err := e.build(ctx, d)
            if err != nil { return err }
            defer n.Close()

            rep, err := n.Controller.Run(ctx)
            if werr := writeJSON(cmd.OutOrStdout(), rep); werr != nil { logutil.Warnf(e.logger, "write report: %v", werr) }
            return err
        },
    }
}

func newWatchCmd(d deps, configPath *string) *cobra.Command {
    return &cobra.Command{
        Use:   "watch",
        Short: "Re-run the convergence pass periodically and serve the management API",
        RunE: func(cmd *cobra.Command, args []string) error {
            e, err := setup(cmd, *configPath)
            if err != nil { return err }
            defer e.close()
            if !e.gate() { return nil }

            ctx, cancel := signalContext()
            defer cancel()
            n, err := e.build(ctx, d)
            if err != nil { return err }
            defer n.Close()
            if err := n.Serve(ctx); err != nil { return err }

            if err := delay(ctx, e); err != nil { return nil }
            logutil.Infof(e.logger, "watching every %s", e.cfg.WatchInterval)
            return n.Controller.Watch(ctx, e.cfg.WatchInterval)
        },
    }
}

func newPlanCmd(d deps, configPath *string) *cobra.Command {
    var remote bool
    cmd := &cobra.Command{
        Use:   "plan",
        Short: "Observe membership once and print the decision without changing the broker",
        RunE: func(cmd *cobra.Command, args []string) error {
            e, err := setup(cmd, *configPath)
            if err != nil { return err }
            defer e.close()
            ctx, cancel := signalContext()
            defer cancel()

            if remote {
                cli, err := bootstrap.NewClient(e.cfg, e.cfg.CallTimeout)
                if err != nil { return err }
                data, err := cli.GetPlan(ctx, bootstrap.DialAddr(e.cfg.MgmtAddr))
                if err != nil { return fmt.Errorf("plan error: %w", err) }
                return writeRaw(cmd.OutOrStdout(), data)
            }
            n, err := e.build(ctx, d)
            if err != nil { return err }
            defer n.Close()
            obs, err := n.Controller.Plan(ctx)
            if err != nil { return err }
            return writeJSON(cmd.OutOrStdout(), obs)
        },
    }
    cmd.Flags().BoolVar(&remote, "remote", false, "ask the watcher at --mgmt-addr instead of observing locally")
    return cmd
}

func newStatusCmd(configPath *string) *cobra.Command {
    var timeout time.Duration
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch the watcher's status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            e, err := setup(cmd, *configPath)
            if err != nil { return err }
            defer e.close()
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            cli, err := bootstrap.NewClient(e.cfg, timeout)
            if err != nil { return err }
            data, err := cli.GetStatus(ctx, bootstrap.DialAddr(e.cfg.MgmtAddr))
            if err != nil { return fmt.Errorf("status error: %w", err) }
            return writeRaw(cmd.OutOrStdout(), data)
        },
    }
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
    return cmd
}

func newConvergeCmd(configPath *string) *cobra.Command {
    return &cobra.Command{
        Use:   "converge",
        Short: "Ask the watcher to run a convergence pass now",
        RunE: func(cmd *cobra.Command, args []string) error {
            e, err := setup(cmd, *configPath)
            if err != nil { return err }
            defer e.close()
            ctx, cancel := signalContext()
            defer cancel()
            // a pass may back off up to MaxAttempts times
            timeout := time.Duration(e.cfg.MaxAttempts) * (e.cfg.BackoffMax + 4*e.cfg.CallTimeout)
            cli, err := bootstrap.NewClient(e.cfg, timeout)
            if err != nil { return err }
            data, err := cli.PostConverge(ctx, bootstrap.DialAddr(e.cfg.MgmtAddr))
            if err != nil { return fmt.Errorf("converge error: %w", err) }
            if err := writeRaw(cmd.OutOrStdout(), data); err != nil { return err }
            var rep cluster.Report
            if err := json.Unmarshal(data, &rep); err != nil { return fmt.Errorf("converge: decode report: %w", err) }
            if !rep.Converged { return fmt.Errorf("%w: %s", ErrNotConverged, rep.Error) }
            return nil
        },
    }
}

func newMembersCmd(configPath *string) *cobra.Command {
    var settle time.Duration
    cmd := &cobra.Command{
        Use:   "members",
        Short: "Resolve and print the desired broker nodes from the membership source",
        RunE: func(cmd *cobra.Command, args []string) error {
            e, err := setup(cmd, *configPath)
            if err != nil { return err }
            defer e.close()
            ctx, cancel := signalContext()
            defer cancel()

            src, err := bootstrap.NewSource(ctx, e.cfg, e.logger)
            if err != nil { return err }
            if lc, ok := src.(membership.Lifecycle); ok {
                if err := lc.Start(ctx); err != nil { return err }
                defer lc.Stop()
                // give gossip a moment to exchange state
                if err := sleepCtx(ctx, settle); err != nil { return err }
            }
            rctx, rcancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
            defer rcancel()
            desired, err := membership.NewResolver(src, e.cfg.NodePrefix, e.logger).ResolveDesiredNodes(rctx)
            if err != nil { return err }
            return writeJSON(cmd.OutOrStdout(), desired)
        },
    }
    cmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "wait after starting a gossip source before resolving")
    return cmd
}

func sleepCtx(ctx context.Context, d time.Duration) error {
    if d <= 0 { return nil }
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return ctx.Err()
    case <-t.C:
        return nil
    }
}

func delay(ctx context.Context, e *env) error {
    if e.cfg.StartupDelay <= 0 { return nil }
    logutil.Infof(e.logger, "waiting %s before the first pass", e.cfg.StartupDelay)
    return sleepCtx(ctx, e.cfg.StartupDelay)
}

func writeJSON(w io.Writer, v any) error {
    enc := json.NewEncoder(w)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

func writeRaw(w io.Writer, data []byte) error {
    if _, err := w.Write(data); err != nil { return err }
    if len(data) == 0 || data[len(data)-1] != '\n' { _, err := w.Write([]byte("\n")); return err }
    return nil
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
