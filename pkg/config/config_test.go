package config

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/spf13/pflag"
)

func flags(t *testing.T, args ...string) *pflag.FlagSet {
    t.Helper()
    fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
    RegisterFlags(fs)
    if err := fs.Parse(args); err != nil { t.Fatal(err) }
    return fs
}

func TestDefaults(t *testing.T) {
    cfg, err := Load(flags(t, "--self", "ip-10-0-0-1"), "")
    if err != nil { t.Fatal(err) }
    if cfg.Enabled { t.Fatalf("controller must be disabled by default") }
    if cfg.StartupDelay != 20*time.Second || cfg.MaxAttempts != 30 || cfg.Source != SourceASG || cfg.NodePrefix != "rabbit" {
        t.Fatalf("unexpected defaults: %+v", cfg)
    }
}

func TestLegacyGate(t *testing.T) {
    t.Setenv(LegacyGateEnv, "true")
    cfg, err := Load(flags(t, "--self", "h"), "")
    if err != nil { t.Fatal(err) }
    if !cfg.Enabled { t.Fatalf("%s=true must enable the controller", LegacyGateEnv) }
}

func TestPrecedence(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "autocluster.yaml")
    body := "source: static\nstatic-nodes: ip-1,ip-2\nmax-attempts: 7\nstartup-delay: 1s\n"
    if err := os.WriteFile(path, []byte(body), 0o644); err != nil { t.Fatal(err) }

    t.Setenv("AUTOCLUSTER_MAX_ATTEMPTS", "9")
    cfg, err := Load(flags(t, "--self", "ip-1", "--startup-delay", "3s"), path)
    if err != nil { t.Fatal(err) }
    if cfg.Source != SourceStatic || cfg.StaticNodes != "ip-1,ip-2" {
        t.Fatalf("file values not applied: %+v", cfg)
    }
    if cfg.MaxAttempts != 9 { t.Fatalf("env must override file, got %d", cfg.MaxAttempts) }
    if cfg.StartupDelay != 3*time.Second { t.Fatalf("flag must override file, got %s", cfg.StartupDelay) }
}

func TestValidate(t *testing.T) {
    base := Default()
    base.Self = "h"
    cases := []struct{
        name string
        mut  func(*Config)
    }{
        {"source", func(c *Config) { c.Source = "consul" }},
        {"format", func(c *Config) { c.StatusFormat = "xml" }},
        {"proto", func(c *Config) { c.MgmtProto = "udp" }},
        {"timeout", func(c *Config) { c.CallTimeout = 0 }},
        {"attempts", func(c *Config) { c.MaxAttempts = 0 }},
        {"static without nodes", func(c *Config) { c.Source = SourceStatic }},
        {"dns without names", func(c *Config) { c.Source = SourceDNS }},
        {"file without path", func(c *Config) { c.Source = SourceFile }},
    }
    if err := base.Validate(); err != nil { t.Fatalf("defaults must validate: %v", err) }
    for _, c := range cases {
        cfg := base
        c.mut(&cfg)
        if err := cfg.Validate(); err == nil { t.Fatalf("%s: expected validation error", c.name) }
    }
}

func TestMissingConfigFile(t *testing.T) {
    if _, err := Load(flags(t), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
        t.Fatalf("expected error for missing config file")
    }
}
