package config

import (
    "fmt"
    "os"
    "strings"
    "time"

    "github.com/spf13/pflag"
    "github.com/spf13/viper"
)

// Membership sources.
const (
    SourceASG        = "asg"
    SourceStatic     = "static"
    SourceFile       = "file"
    SourceDNS        = "dns"
    SourceGossip     = "gossip"
    SourceKubernetes = "kubernetes"
)

// EnvPrefix prefixes every environment override, e.g. AUTOCLUSTER_SOURCE.
const EnvPrefix = "AUTOCLUSTER"

// LegacyGateEnv enables the controller when set to "true".
const LegacyGateEnv = "AWS_ASG_AUTOCLUSTER"

// Config holds every runtime setting. Keys match flag names.
type Config struct {
    Enabled      bool          `mapstructure:"enabled" json:"enabled"`
    StartupDelay time.Duration `mapstructure:"startup-delay" json:"startupDelay"`
    NodePrefix   string        `mapstructure:"node-prefix" json:"nodePrefix"`
    // Self is the local host name the broker node is named after.
    Self string `mapstructure:"self" json:"self"`

    Source      string        `mapstructure:"source" json:"source"`
    AWSRegion   string        `mapstructure:"aws-region" json:"awsRegion"`
    InstanceID  string        `mapstructure:"instance-id" json:"instanceId"`
    StaticNodes string        `mapstructure:"static-nodes" json:"staticNodes"`
    FilePath    string        `mapstructure:"file-path" json:"filePath"`
    FileEnv     string        `mapstructure:"file-env" json:"fileEnv"`
    DNSNames    string        `mapstructure:"dns-names" json:"dnsNames"`
    DiscRefresh time.Duration `mapstructure:"disc-refresh" json:"discRefresh"`

    GossipBind      string `mapstructure:"gossip-bind" json:"gossipBind"`
    GossipAdvertise string `mapstructure:"gossip-advertise" json:"gossipAdvertise"`
    GossipSeeds     string `mapstructure:"gossip-seeds" json:"gossipSeeds"`

    Kubeconfig    string `mapstructure:"kubeconfig" json:"kubeconfig"`
    KubeNamespace string `mapstructure:"kube-namespace" json:"kubeNamespace"`
    KubeSelector  string `mapstructure:"kube-selector" json:"kubeSelector"`
    PodName       string `mapstructure:"pod-name" json:"podName"`

    BrokerCommand  string        `mapstructure:"broker-command" json:"brokerCommand"`
    StatusFormat   string        `mapstructure:"status-format" json:"statusFormat"`
    CallTimeout    time.Duration `mapstructure:"call-timeout" json:"callTimeout"`
    MaxAttempts    int           `mapstructure:"max-attempts" json:"maxAttempts"`
    BackoffInitial time.Duration `mapstructure:"backoff-initial" json:"backoffInitial"`
    BackoffMax     time.Duration `mapstructure:"backoff-max" json:"backoffMax"`

    WatchInterval time.Duration `mapstructure:"watch-interval" json:"watchInterval"`
    MgmtAddr      string        `mapstructure:"mgmt-addr" json:"mgmtAddr"`
    MgmtProto     string        `mapstructure:"mgmt-proto" json:"mgmtProto"`

    TLSEnable     bool   `mapstructure:"tls-enable" json:"tlsEnable"`
    TLSCA         string `mapstructure:"tls-ca" json:"tlsCA"`
    TLSCert       string `mapstructure:"tls-cert" json:"tlsCert"`
    TLSKey        string `mapstructure:"tls-key" json:"tlsKey"`
    TLSServerName string `mapstructure:"tls-server-name" json:"tlsServerName"`
    TLSSkipVerify bool   `mapstructure:"tls-skip-verify" json:"tlsSkipVerify"`

    LogJSON  bool   `mapstructure:"log-json" json:"logJSON"`
    LogLevel string `mapstructure:"log-level" json:"logLevel"`
    Trace    bool   `mapstructure:"trace" json:"trace"`
}

// Default returns the built-in defaults.
func Default() Config {
    return Config{
        StartupDelay:   20 * time.Second,
        NodePrefix:     "rabbit",
        Source:         SourceASG,
        DiscRefresh:    5 * time.Second,
        GossipBind:     ":7946",
        KubeNamespace:  "default",
        KubeSelector:   "app=rabbitmq",
        BrokerCommand:  "rabbitmqctl",
        StatusFormat:   "auto",
        CallTimeout:    60 * time.Second,
        MaxAttempts:    30,
        BackoffInitial: 2 * time.Second,
        BackoffMax:     30 * time.Second,
        WatchInterval:  5 * time.Minute,
        MgmtAddr:       "127.0.0.1:15690",
        MgmtProto:      "http",
        LogLevel:       "info",
    }
}

// RegisterFlags adds one flag per key to fs, defaulted from Default.
func RegisterFlags(fs *pflag.FlagSet) {
    d := Default()
    fs.Bool("enabled", d.Enabled, "Enable the controller (also "+LegacyGateEnv+"=true)")
    fs.Duration("startup-delay", d.StartupDelay, "Delay before the first pass")
    fs.String("node-prefix", d.NodePrefix, "Broker node name prefix")
    fs.String("self", d.Self, "Local host name (default: OS hostname)")

    fs.String("source", d.Source, "Membership source: asg|static|file|dns|gossip|kubernetes")
    fs.String("aws-region", d.AWSRegion, "AWS region (default: from instance metadata)")
    fs.String("instance-id", d.InstanceID, "Override the local instance id")
    fs.String("static-nodes", d.StaticNodes, "Comma-separated hosts when source=static")
    fs.String("file-path", d.FilePath, "Hosts file or glob when source=file")
    fs.String("file-env", d.FileEnv, "Env var overriding the hosts file when source=file")
    fs.String("dns-names", d.DNSNames, "Comma-separated SRV or host names when source=dns")
    fs.Duration("disc-refresh", d.DiscRefresh, "Cache window for file and dns sources")

    fs.String("gossip-bind", d.GossipBind, "Gossip bind host:port when source=gossip")
    fs.String("gossip-advertise", d.GossipAdvertise, "Gossip advertise host:port")
    fs.String("gossip-seeds", d.GossipSeeds, "Comma-separated gossip seed addresses")

    fs.String("kubeconfig", d.Kubeconfig, "Kubeconfig path (default: in-cluster)")
    fs.String("kube-namespace", d.KubeNamespace, "Namespace of the broker pods")
    fs.String("kube-selector", d.KubeSelector, "Label selector of the broker pods")
    fs.String("pod-name", d.PodName, "Local pod name (default: $HOSTNAME)")

    fs.String("broker-command", d.BrokerCommand, "Broker control command line")
    fs.String("status-format", d.StatusFormat, "Cluster status format: auto|json|text")
    fs.Duration("call-timeout", d.CallTimeout, "Timeout for each discovery call and broker command")
    fs.Int("max-attempts", d.MaxAttempts, "Maximum observe/join attempts per pass")
    fs.Duration("backoff-initial", d.BackoffInitial, "Initial delay between attempts")
    fs.Duration("backoff-max", d.BackoffMax, "Maximum delay between attempts")

    fs.Duration("watch-interval", d.WatchInterval, "Interval between passes in watch mode")
    fs.String("mgmt-addr", d.MgmtAddr, "Management API listen address (watch) or target (status)")
    fs.String("mgmt-proto", d.MgmtProto, "Management API protocol: http|grpc")

    fs.Bool("tls-enable", d.TLSEnable, "Enable TLS for the management API")
    fs.String("tls-ca", d.TLSCA, "CA file (enables mTLS on the server)")
    fs.String("tls-cert", d.TLSCert, "Certificate file")
    fs.String("tls-key", d.TLSKey, "Key file")
    fs.String("tls-server-name", d.TLSServerName, "Expected server name for clients")
    fs.Bool("tls-skip-verify", d.TLSSkipVerify, "Skip server certificate verification (testing only)")

    fs.Bool("log-json", d.LogJSON, "JSON log encoding")
    fs.String("log-level", d.LogLevel, "Log level: debug|info|warn|error")
    fs.Bool("trace", d.Trace, "Export tracing spans to stdout")
}

// Load layers defaults, the optional config file, environment and flags.
func Load(fs *pflag.FlagSet, configPath string) (Config, error) {
    v := viper.New()
    cfg := Default()

    if configPath != "" {
        v.SetConfigFile(configPath)
        if err := v.ReadInConfig(); err != nil {
            return Config{}, fmt.Errorf("config: reading %s: %w", configPath, err)
        }
    }

    v.SetEnvPrefix(EnvPrefix)
    v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
    v.AutomaticEnv()
    if err := v.BindEnv("enabled", EnvPrefix+"_ENABLED", LegacyGateEnv); err != nil { return Config{}, err }
    if fs != nil {
        if err := v.BindPFlags(fs); err != nil { return Config{}, err }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return Config{}, fmt.Errorf("config: %w", err)
    }
    if cfg.Self == "" {
        h, err := os.Hostname()
        if err != nil { return Config{}, fmt.Errorf("config: resolve hostname: %w", err) }
        cfg.Self = h
    }
    if err := cfg.Validate(); err != nil {
        return Config{}, err
    }
    return cfg, nil
}

// Validate rejects unknown enumerations and non-positive limits.
func (c Config) Validate() error {
    switch c.Source {
    case SourceASG, SourceStatic, SourceFile, SourceDNS, SourceGossip, SourceKubernetes:
    default:
        return fmt.Errorf("config: invalid source %q", c.Source)
    }
    switch c.StatusFormat {
    case "auto", "json", "text":
    default:
        return fmt.Errorf("config: invalid status-format %q", c.StatusFormat)
    }
    switch c.MgmtProto {
    case "http", "grpc":
    default:
        return fmt.Errorf("config: invalid mgmt-proto %q", c.MgmtProto)
    }
    if c.CallTimeout <= 0 || c.BackoffInitial <= 0 || c.BackoffMax <= 0 || c.WatchInterval <= 0 {
        return fmt.Errorf("config: timeouts and intervals must be positive")
    }
    if c.MaxAttempts <= 0 {
        return fmt.Errorf("config: max-attempts must be positive")
    }
    if c.StartupDelay < 0 {
        return fmt.Errorf("config: startup-delay must not be negative")
    }
    if c.Source == SourceStatic && strings.TrimSpace(c.StaticNodes) == "" {
        return fmt.Errorf("config: static-nodes required when source=static")
    }
    if c.Source == SourceDNS && strings.TrimSpace(c.DNSNames) == "" {
        return fmt.Errorf("config: dns-names required when source=dns")
    }
    if c.Source == SourceFile && c.FilePath == "" && c.FileEnv == "" {
        return fmt.Errorf("config: file-path or file-env required when source=file")
    }
    return nil
}
