package cluster

import (
    "context"
    "errors"
    "strings"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/rabbit-autocluster/pkg/broker"
    "github.com/amirimatin/rabbit-autocluster/pkg/node"
)

// DesiredResolver produces the desired node set. *membership.Resolver
// implements it.
type DesiredResolver interface {
    ResolveDesiredNodes(ctx context.Context) (*node.Set, error)
}

// Defaults applied by New for zero-valued options.
const (
    DefaultMaxAttempts    = 30
    DefaultBackoffInitial = 2 * time.Second
    DefaultBackoffMax     = 30 * time.Second
    DefaultCallTimeout    = 60 * time.Second
)

// Options carries dependency-injected components and runtime configuration used
// to assemble the controller. Instances are typically produced from
// bootstrap.Config.
type Options struct {
    // Self is this node's broker identity, e.g. "rabbit@ip-10-0-0-1".
    Self node.Identity
    // Resolver provides the desired membership. Required.
    Resolver DesiredResolver
    // Broker controls the local broker. Required.
    Broker broker.Control
    // Parser reads QueryStatus output. Defaults to AutoParser.
    Parser StatusParser
    Logger *zap.Logger

    // MaxAttempts bounds the observe/join iterations of one pass.
    MaxAttempts int
    // BackoffInitial and BackoffMax shape the exponential delay between attempts.
    BackoffInitial time.Duration
    BackoffMax     time.Duration
    // CallTimeout bounds every discovery call and broker command.
    CallTimeout time.Duration
}

// Validate performs a minimal validation of Options. It is safe to call
// before New.
func (o Options) Validate() error {
    if o.Self.Normalize() == "" {
        return errors.New("cluster: empty Self")
    }
    if o.Resolver == nil {
        return errors.New("cluster: nil Resolver")
    }
    if o.Broker == nil {
        return errors.New("cluster: nil Broker")
    }
    if o.MaxAttempts < 0 || o.BackoffInitial < 0 || o.BackoffMax < 0 || o.CallTimeout < 0 {
        return errors.New("cluster: negative attempt or duration option")
    }
    return nil
}

func (o *Options) applyDefaults() {
    if o.MaxAttempts == 0 { o.MaxAttempts = DefaultMaxAttempts }
    if o.BackoffInitial == 0 { o.BackoffInitial = DefaultBackoffInitial }
    if o.BackoffMax == 0 { o.BackoffMax = DefaultBackoffMax }
    if o.BackoffMax < o.BackoffInitial { o.BackoffMax = o.BackoffInitial }
    if o.CallTimeout == 0 { o.CallTimeout = DefaultCallTimeout }
    if o.Parser == nil { o.Parser = AutoParser{Text: TextParser{Prefix: prefixOf(o.Self)}} }
    o.Self = o.Self.Normalize()
}

func prefixOf(id node.Identity) string {
    p, _, ok := strings.Cut(string(id.Normalize()), "@")
    if !ok { return "" }
    return p
}
