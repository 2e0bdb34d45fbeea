package membership

import (
    "context"

    "go.uber.org/zap"

    "github.com/amirimatin/rabbit-autocluster/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/rabbit-autocluster/pkg/observability/metrics"
    "github.com/amirimatin/rabbit-autocluster/pkg/observability/tracing"
    "github.com/amirimatin/rabbit-autocluster/pkg/node"
)

// Resolver turns the raw group listing of a Source into the desired node set.
type Resolver struct {
    src    Source
    prefix string
    logger *zap.Logger
}

// NewResolver returns a Resolver that names nodes "<prefix>@<short-host>".
func NewResolver(src Source, prefix string, logger *zap.Logger) *Resolver {
    if prefix == "" { prefix = node.DefaultPrefix }
    return &Resolver{src: src, prefix: prefix, logger: logutil.OrNop(logger)}
}

// ResolveDesiredNodes locates the local instance, its owning group and the
// group's members, and returns the identities of the members that are both in
// service and healthy, in discovery order. Any lookup failure is returned as a
// *DiscoveryError.
func (r *Resolver) ResolveDesiredNodes(ctx context.Context) (*node.Set, error) {
    ctx, end := tracing.StartSpan(ctx, "membership.resolve")
    defer end()

    self, err := r.src.LocalInstance(ctx)
    if err != nil { return nil, r.fail("local-instance", err) }
    if self == "" { return nil, r.fail("local-instance", ErrInstanceNotFound) }

    group, err := r.src.DescribeOwningGroup(ctx, self)
    if err != nil { return nil, r.fail("owning-group", err) }
    if group == "" { return nil, r.fail("owning-group", ErrGroupNotFound) }

    records, err := r.src.ListGroupMembers(ctx, group)
    if err != nil { return nil, r.fail("list-members", err) }

    desired := node.NewSet()
    for _, rec := range records {
        if !rec.Eligible() {
            logutil.Infof(r.logger, "instance %s cannot be clustered: lifecycle=%s health=%s", rec.InstanceID, rec.Lifecycle, rec.Health)
            continue
        }
        if rec.PrivateDNSName == "" {
            logutil.Warnf(r.logger, "instance %s has no private DNS name; skipping", rec.InstanceID)
            continue
        }
        desired.Add(node.FromHostname(r.prefix, rec.PrivateDNSName))
    }
    obsmetrics.DesiredNodes.Set(float64(desired.Len()))
    r.logger.Debug("desired nodes resolved",
        zap.String("instance", self),
        zap.String("group", group),
        zap.Strings("nodes", desired.Strings()))
    return desired, nil
}

func (r *Resolver) fail(op string, err error) error {
    obsmetrics.DiscoveryErrors.Inc()
    return &DiscoveryError{Op: op, Err: err}
}
