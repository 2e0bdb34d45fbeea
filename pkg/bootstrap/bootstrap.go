package bootstrap

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "net"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/rabbit-autocluster/pkg/broker/rabbitmqctl"
    "github.com/amirimatin/rabbit-autocluster/pkg/cluster"
    "github.com/amirimatin/rabbit-autocluster/pkg/config"
    "github.com/amirimatin/rabbit-autocluster/pkg/internal/logutil"
    "github.com/amirimatin/rabbit-autocluster/pkg/membership"
    "github.com/amirimatin/rabbit-autocluster/pkg/membership/asg"
    mDNS "github.com/amirimatin/rabbit-autocluster/pkg/membership/dns"
    mFile "github.com/amirimatin/rabbit-autocluster/pkg/membership/file"
    "github.com/amirimatin/rabbit-autocluster/pkg/membership/kube"
    ml "github.com/amirimatin/rabbit-autocluster/pkg/membership/memberlist"
    mStatic "github.com/amirimatin/rabbit-autocluster/pkg/membership/static"
    "github.com/amirimatin/rabbit-autocluster/pkg/node"
    tlsx "github.com/amirimatin/rabbit-autocluster/pkg/security/tlsconfig"
    "github.com/amirimatin/rabbit-autocluster/pkg/transport"
    mgmtgrpc "github.com/amirimatin/rabbit-autocluster/pkg/transport/grpc"
    httpjson "github.com/amirimatin/rabbit-autocluster/pkg/transport/httpjson"
)

// Options carries the config plus optional overrides used by embedders and
// tests. Zero overrides select the production implementations.
type Options struct {
    Config config.Config
    Logger *zap.Logger

    // Source replaces the membership source selected by Config.Source.
    Source membership.Source
    // Runner replaces process execution for broker commands.
    Runner rabbitmqctl.Runner
}

// Node is an assembled controller with its membership source and management
// endpoints. Nothing runs until Start or Serve is called.
type Node struct {
    cfg    config.Config
    logger *zap.Logger

    Source     membership.Source
    Controller *cluster.Controller
    Server     transport.RPCServer
}

// StatusView is the payload of the management status endpoint.
type StatusView struct {
    Self    node.Identity   `json:"self"`
    Source  string          `json:"source"`
    Enabled bool            `json:"enabled"`
    Last    *cluster.Report `json:"last,omitempty"`
    // GossipHealth is the memberlist awareness score when source=gossip.
    GossipHealth *int `json:"gossipHealth,omitempty"`
}

// Build assembles a Node from opts without starting it.
func Build(ctx context.Context, opts Options) (*Node, error) {
    cfg := opts.Config
    logger := logutil.OrNop(opts.Logger)

    src := opts.Source
    if src == nil {
        s, err := NewSource(ctx, cfg, logger)
        if err != nil { return nil, err }
        src = s
    }

    ctl, err := rabbitmqctl.New(rabbitmqctl.Options{
        Command:      cfg.BrokerCommand,
        StatusFormat: cfg.StatusFormat,
        Timeout:      cfg.CallTimeout,
        Runner:       opts.Runner,
        Logger:       logger.Named("broker"),
    })
    if err != nil { return nil, err }

    self := node.FromHostname(cfg.NodePrefix, cfg.Self)
    ctrl, err := cluster.New(cluster.Options{
        Self:           self,
        Resolver:       membership.NewResolver(src, cfg.NodePrefix, logger.Named("membership")),
        Broker:         ctl,
        Parser:         cluster.AutoParser{Text: cluster.TextParser{Prefix: cfg.NodePrefix}},
        Logger:         logger.Named("cluster"),
        MaxAttempts:    cfg.MaxAttempts,
        BackoffInitial: cfg.BackoffInitial,
        BackoffMax:     cfg.BackoffMax,
        CallTimeout:    cfg.CallTimeout,
    })
    if err != nil { return nil, err }

    srv, err := NewServer(cfg, logger.Named("mgmt"))
    if err != nil { return nil, err }

    return &Node{cfg: cfg, logger: logger, Source: src, Controller: ctrl, Server: srv}, nil
}

// NewSource selects the membership source named by cfg.Source.
func NewSource(ctx context.Context, cfg config.Config, logger *zap.Logger) (membership.Source, error) {
    logger = logutil.OrNop(logger)
    switch cfg.Source {
    case config.SourceASG:
        return asg.NewFromEnv(ctx, cfg.AWSRegion, cfg.InstanceID, logger.Named("asg"))
    case config.SourceStatic:
        return mStatic.New(cfg.Self, mStatic.Parse(cfg.StaticNodes)...), nil
    case config.SourceFile:
        return mFile.New(mFile.Options{Self: cfg.Self, Path: cfg.FilePath, Env: cfg.FileEnv, Refresh: cfg.DiscRefresh}), nil
    case config.SourceDNS:
        return mDNS.New(mDNS.Options{Self: cfg.Self, Names: mStatic.Parse(cfg.DNSNames), Refresh: cfg.DiscRefresh, Logger: logger.Named("dns")}), nil
    case config.SourceGossip:
        return ml.New(ml.Options{
            NodeID:    cfg.Self,
            Host:      cfg.Self,
            Bind:      cfg.GossipBind,
            Advertise: cfg.GossipAdvertise,
            Seeds:     mStatic.Parse(cfg.GossipSeeds),
            Logger:    logger.Named("gossip"),
        })
    case config.SourceKubernetes:
        return kube.NewFromKubeconfig(cfg.Kubeconfig, kube.Options{
            Namespace: cfg.KubeNamespace,
            Selector:  cfg.KubeSelector,
            PodName:   cfg.PodName,
        })
    default:
        return nil, fmt.Errorf("bootstrap: unknown source %q", cfg.Source)
    }
}

func tlsOptions(cfg config.Config) tlsx.Options {
    return tlsx.Options{
        Enable:             cfg.TLSEnable,
        CAFile:             cfg.TLSCA,
        CertFile:           cfg.TLSCert,
        KeyFile:            cfg.TLSKey,
        InsecureSkipVerify: cfg.TLSSkipVerify,
        ServerName:         cfg.TLSServerName,
    }
}

// NewServer builds the management server for cfg.MgmtProto. Certificates are
// hot-reloaded so rotated files are picked up without a restart.
func NewServer(cfg config.Config, logger *zap.Logger) (transport.RPCServer, error) {
    var srvTLS *tls.Config
    if cfg.TLSEnable {
        s, err := tlsOptions(cfg).ServerHotReload()
        if err != nil { return nil, err }
        srvTLS = s
    }
    switch cfg.MgmtProto {
    case "grpc":
        s := mgmtgrpc.NewServer(cfg.MgmtAddr, logger)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        return s, nil
    default:
        s := httpjson.NewServer(cfg.MgmtAddr, logger)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        return s, nil
    }
}

// NewClient builds a management client for cfg.MgmtProto. The timeout covers
// a whole convergence pass when calling converge.
func NewClient(cfg config.Config, timeout time.Duration) (transport.RPCClient, error) {
    var cliTLS *tls.Config
    if cfg.TLSEnable {
        c, err := tlsOptions(cfg).ClientHotReload()
        if err != nil { return nil, err }
        cliTLS = c
    }
    switch cfg.MgmtProto {
    case "grpc":
        c := mgmtgrpc.NewClient(timeout)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return c, nil
    default:
        c := httpjson.NewClient(timeout)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return c, nil
    }
}

// Start starts sources with background state (gossip).
func (n *Node) Start(ctx context.Context) error {
    if lc, ok := n.Source.(membership.Lifecycle); ok {
        if err := lc.Start(ctx); err != nil { return fmt.Errorf("bootstrap: start %s source: %w", n.cfg.Source, err) }
    }
    return nil
}

// Serve starts the management API. It stops when ctx is canceled.
func (n *Node) Serve(ctx context.Context) error {
    return n.Server.Start(ctx, n.Handlers())
}

// Close stops the management API and any background source. Gossip peers
// leave gracefully first.
func (n *Node) Close() error {
    var errs []error
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if n.Server != nil { errs = append(errs, n.Server.Stop(ctx)) }
    if gs, ok := n.Source.(*ml.Source); ok {
        if err := gs.Leave(); err != nil { logutil.Warnf(n.logger, "gossip leave: %v", err) }
    }
    if lc, ok := n.Source.(membership.Lifecycle); ok { errs = append(errs, lc.Stop()) }
    return errors.Join(errs...)
}

// Status returns the current StatusView.
func (n *Node) Status() StatusView {
    v := StatusView{Self: n.Controller.Self(), Source: n.cfg.Source, Enabled: n.cfg.Enabled}
    if rep, ok := n.Controller.LastReport(); ok { v.Last = &rep }
    if hr, ok := n.Source.(membership.HealthReporter); ok {
        score := hr.HealthScore()
        v.GossipHealth = &score
    }
    return v
}

// Handlers exposes the controller through the management endpoints.
func (n *Node) Handlers() transport.Handlers {
    return transport.Handlers{
        Status: func(ctx context.Context) ([]byte, error) {
            return json.Marshal(n.Status())
        },
        // the pass outlives a disconnecting caller; it is bounded by MaxAttempts
        Converge: func(ctx context.Context) ([]byte, error) {
            rep, err := n.Controller.Run(context.WithoutCancel(ctx))
            if errors.Is(err, cluster.ErrPassInProgress) { return nil, transport.ErrBusy }
            // a failed pass is still a report
            return json.Marshal(rep)
        },
        Plan: func(ctx context.Context) ([]byte, error) {
            obs, err := n.Controller.Plan(ctx)
            if err != nil { return nil, err }
            return json.Marshal(obs)
        },
    }
}

// DialAddr turns a listen address such as ":15690" into one a local client
// can dial.
func DialAddr(addr string) string {
    host, port, err := net.SplitHostPort(addr)
    if err != nil { return addr }
    if host == "" || host == "0.0.0.0" || host == "::" { host = "127.0.0.1" }
    return net.JoinHostPort(host, port)
}
