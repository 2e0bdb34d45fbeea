package cluster

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "github.com/cenkalti/backoff/v4"
    "github.com/hashicorp/go-multierror"
    "go.uber.org/zap"

    "github.com/amirimatin/rabbit-autocluster/pkg/broker"
    "github.com/amirimatin/rabbit-autocluster/pkg/internal/logutil"
    "github.com/amirimatin/rabbit-autocluster/pkg/membership"
    "github.com/amirimatin/rabbit-autocluster/pkg/node"
    obsmetrics "github.com/amirimatin/rabbit-autocluster/pkg/observability/metrics"
    "github.com/amirimatin/rabbit-autocluster/pkg/observability/tracing"
)

// Observation is one look at desired and actual membership.
type Observation struct {
    Self     node.Identity `json:"self"`
    Desired  *node.Set     `json:"desired"`
    Status   ClusterStatus `json:"status"`
    Decision Decision      `json:"decision"`
}

// JoinAttempt records the three commands of one join against Target.
type JoinAttempt struct {
    Target node.Identity   `json:"target"`
    Steps  []broker.Result `json:"steps"`
    Errors []string        `json:"errors,omitempty"`
}

// Report summarizes one convergence pass.
type Report struct {
    Started       time.Time     `json:"started"`
    Finished      time.Time     `json:"finished"`
    Attempts      int           `json:"attempts"`
    Converged     bool          `json:"converged"`
    Last          *Observation  `json:"last,omitempty"`
    Joins         []JoinAttempt `json:"joins,omitempty"`
    Forgotten     []node.Identity `json:"forgotten,omitempty"`
    CleanupErrors []string      `json:"cleanupErrors,omitempty"`
    Error         string        `json:"error,omitempty"`
}

// Controller drives the local broker toward the desired membership. One
// controller runs per node and only ever mutates its own broker.
type Controller struct {
    opts    Options
    logger  *zap.Logger
    running atomic.Bool
    eb      eventBus

    mu   sync.RWMutex
    last *Report
}

// New constructs a controller from validated options. It performs no
// external calls.
func New(opts Options) (*Controller, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.applyDefaults()
    return &Controller{opts: opts, logger: logutil.OrNop(opts.Logger)}, nil
}

// Self returns the broker identity this controller acts for.
func (c *Controller) Self() node.Identity { return c.opts.Self }

// LastReport returns the report of the most recent finished pass.
func (c *Controller) LastReport() (Report, bool) {
    c.mu.RLock()
    defer c.mu.RUnlock()
    if c.last == nil { return Report{}, false }
    return *c.last, true
}

// Plan observes desired and actual membership once and returns the decision
// without touching the broker beyond the status query.
func (c *Controller) Plan(ctx context.Context) (Observation, error) {
    return c.observe(ctx)
}

// Run performs one convergence pass followed by one cleanup pass. The pass
// observes, decides and joins until the cluster is formed or MaxAttempts is
// reached, backing off between attempts. Discovery failures abort the pass
// before any broker mutation. Broker command failures are logged and the
// state is re-observed on the next attempt.
func (c *Controller) Run(ctx context.Context) (Report, error) {
    if !c.running.CompareAndSwap(false, true) { return Report{}, ErrPassInProgress }
    defer c.running.Store(false)

    ctx, end := tracing.StartSpan(ctx, "cluster.converge", "self", string(c.opts.Self))
    defer end()

    rep := &Report{Started: time.Now()}
    err := c.converge(ctx, rep)
    if err == nil {
        rep.Converged = true
        obsmetrics.Passes.WithLabelValues("converged").Inc()
        c.eb.publish(Event{Type: EventConverged})
        c.cleanup(ctx, rep)
    } else {
        rep.Error = err.Error()
        obsmetrics.Passes.WithLabelValues(passResult(err)).Inc()
        c.eb.publish(Event{Type: EventPassFailed, Err: err.Error()})
        logutil.Errorf(c.logger, "convergence pass failed after %d attempt(s): %v", rep.Attempts, err)
    }
    rep.Finished = time.Now()

    c.mu.Lock()
    cp := *rep
    c.last = &cp
    c.mu.Unlock()
    return *rep, err
}

func passResult(err error) string {
    var de *membership.DiscoveryError
    switch {
    case errors.As(err, &de):
        return "discovery_error"
    case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
        return "canceled"
    }
    return "not_converged"
}

func (c *Controller) newBackoff() backoff.BackOff {
    b := backoff.NewExponentialBackOff()
    b.InitialInterval = c.opts.BackoffInitial
    b.MaxInterval = c.opts.BackoffMax
    b.MaxElapsedTime = 0
    b.Reset()
    return b
}

func (c *Controller) converge(ctx context.Context, rep *Report) error {
    b := c.newBackoff()
    for attempt := 1; ; attempt++ {
        rep.Attempts = attempt
        obs, err := c.observe(ctx)
        if err != nil { return err }
        rep.Last = &obs
        if IsFormed(obs.Desired, obs.Status) {
            logutil.Infof(c.logger, "cluster formed: %d node(s) running", obs.Status.RunningNodes.Len())
            return nil
        }
        if attempt >= c.opts.MaxAttempts {
            return fmt.Errorf("%w (%d attempts)", ErrNotConverged, attempt)
        }

        if obs.Decision.Phase == PhaseJoining {
            rep.Joins = append(rep.Joins, c.join(ctx, obs.Decision.Target))
        } else {
            obsmetrics.JoinAttempts.WithLabelValues("no_peer").Inc()
            logutil.Warnf(c.logger, "join skipped: %v (desired: %v)", ErrNoPeerAvailable, obs.Desired.Strings())
        }

        if err := sleep(ctx, b.NextBackOff()); err != nil { return err }
    }
}

// observe resolves desired membership and queries broker status. A failed or
// unparsable status query yields an empty status, which reads as not formed.
func (c *Controller) observe(ctx context.Context) (Observation, error) {
    obs := Observation{Self: c.opts.Self}

    cctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
    desired, err := c.opts.Resolver.ResolveDesiredNodes(cctx)
    cancel()
    if err != nil {
        logutil.Errorf(c.logger, "cannot resolve desired nodes: %v", err)
        return obs, err
    }
    obs.Desired = desired

    cctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
    res, err := c.opts.Broker.QueryStatus(cctx)
    cancel()
    if err != nil {
        if ctx.Err() != nil { return obs, ctx.Err() }
        logutil.Warnf(c.logger, "status query failed, treating cluster as unformed: %v", err)
    } else if st, perr := c.opts.Parser.Parse(res.Stdout); perr != nil {
        logutil.Warnf(c.logger, "status output unreadable, treating cluster as unformed: %v", perr)
    } else {
        obs.Status = st
    }

    obsmetrics.RunningNodes.Set(float64(obs.Status.RunningNodes.Len()))
    obsmetrics.DiscNodes.Set(float64(obs.Status.DiscNodes.Len()))
    obs.Decision = Decide(desired, obs.Status, c.opts.Self)
    if obs.Decision.Phase == PhaseFormed || obs.Decision.Phase == PhaseCleanupPending {
        obsmetrics.Formed.Set(1)
    } else {
        obsmetrics.Formed.Set(0)
    }
    c.logger.Info("decision",
        zap.String("phase", string(obs.Decision.Phase)),
        zap.String("target", string(obs.Decision.Target)),
        zap.String("reason", obs.Decision.Reason),
        zap.Strings("desired", desired.Strings()),
        zap.Strings("running", obs.Status.RunningNodes.Strings()),
        zap.Strings("disc", obs.Status.DiscNodes.Strings()))
    d := obs.Decision
    c.eb.publish(Event{Type: EventDecision, Decision: &d})
    return obs, nil
}

// join stops the local broker app, joins target and starts the app again.
// Every step runs even when an earlier one failed. Once stop_app has been
// issued, start_app runs on a context detached from ctx so a canceled pass
// still leaves the app running.
func (c *Controller) join(ctx context.Context, target node.Identity) JoinAttempt {
    ctx, end := tracing.StartSpan(ctx, "cluster.join", "target", string(target))
    defer end()
    logutil.Infof(c.logger, "joining cluster via %s", target)

    ja := JoinAttempt{Target: target}
    step := func(ctx context.Context, fn func(context.Context) (broker.Result, error)) {
        cctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
        res, err := fn(cctx)
        cancel()
        ja.Steps = append(ja.Steps, res)
        if err != nil { ja.Errors = append(ja.Errors, err.Error()) }
    }
    step(ctx, c.opts.Broker.StopApp)
    if err := ctx.Err(); err != nil {
        ja.Errors = append(ja.Errors, fmt.Sprintf("join_cluster %s skipped: %v", target, err))
    } else {
        step(ctx, func(ctx context.Context) (broker.Result, error) { return c.opts.Broker.JoinCluster(ctx, target) })
    }
    step(context.WithoutCancel(ctx), c.opts.Broker.StartApp)
    result := "ok"
    if len(ja.Errors) > 0 {
        result = "failed"
        logutil.Warnf(c.logger, "join via %s had %d failed step(s); will re-observe", target, len(ja.Errors))
    }
    obsmetrics.JoinAttempts.WithLabelValues(result).Inc()
    c.eb.publish(Event{Type: EventJoinAttempt, Node: target, Err: joinErr(ja)})
    return ja
}

func joinErr(ja JoinAttempt) string {
    if len(ja.Errors) == 0 { return "" }
    return ja.Errors[0]
}

// cleanup forgets every stale disc node once. Failures are reported, never
// retried here; the next pass picks up what remains.
func (c *Controller) cleanup(ctx context.Context, rep *Report) {
    ctx, end := tracing.StartSpan(ctx, "cluster.cleanup")
    defer end()

    obs, err := c.observe(ctx)
    if err != nil {
        logutil.Warnf(c.logger, "cleanup skipped: %v", err)
        rep.CleanupErrors = append(rep.CleanupErrors, err.Error())
        return
    }
    rep.Last = &obs
    removals := PlanRemovals(obs.Desired, obs.Status)
    if len(removals) == 0 {
        logutil.Infof(c.logger, "cleanup: no stale nodes")
        return
    }

    var merr *multierror.Error
    for _, n := range removals {
        logutil.Infof(c.logger, "cleanup: forgetting stale node %s", n)
        cctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
        _, err := c.opts.Broker.ForgetNode(cctx, n)
        cancel()
        if err != nil {
            obsmetrics.Forgets.WithLabelValues("failed").Inc()
            merr = multierror.Append(merr, fmt.Errorf("forget %s: %w", n, err))
            continue
        }
        obsmetrics.Forgets.WithLabelValues("ok").Inc()
        rep.Forgotten = append(rep.Forgotten, n)
        c.eb.publish(Event{Type: EventNodeForgotten, Node: n})
    }
    if err := merr.ErrorOrNil(); err != nil {
        logutil.Warnf(c.logger, "cleanup incomplete: %v", err)
        for _, e := range merr.Errors { rep.CleanupErrors = append(rep.CleanupErrors, e.Error()) }
    }
}

// Watch runs a pass immediately and then every interval until ctx is done.
// It stands in for an external supervisor re-invoking the controller.
func (c *Controller) Watch(ctx context.Context, interval time.Duration) error {
    for {
        if _, err := c.Run(ctx); err != nil && !errors.Is(err, ErrPassInProgress) {
            logutil.Warnf(c.logger, "watch: pass ended with error: %v", err)
        }
        if err := sleep(ctx, interval); err != nil { return nil }
    }
}

func sleep(ctx context.Context, d time.Duration) error {
    if d <= 0 { return ctx.Err() }
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return ctx.Err()
    case <-t.C:
        return nil
    }
}
