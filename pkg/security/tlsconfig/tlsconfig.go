package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// ErrNoCertificates is returned when a CA file holds no PEM certificates.
var ErrNoCertificates = errors.New("tls: no certificates found in CA file")

// reloadTTL bounds how long a loaded key pair is reused before the files are
// read again.
const reloadTTL = 10 * time.Second

// Options defines mTLS configuration inputs for the management API.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
}

func loadPool(path string) (*x509.CertPool, error) {
    ca, err := os.ReadFile(path)
    if err != nil { return nil, fmt.Errorf("tls: read CA %s: %w", path, err) }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(ca) { return nil, fmt.Errorf("%w: %s", ErrNoCertificates, path) }
    return pool, nil
}

// keyPair loads a certificate lazily and re-reads it from disk once the TTL
// has elapsed, so rotated files are picked up without a restart.
type keyPair struct {
    certFile, keyFile string

    mu       sync.RWMutex
    cached   *tls.Certificate
    lastLoad time.Time
}

func (k *keyPair) get() (*tls.Certificate, error) {
    k.mu.RLock()
    if k.cached != nil && time.Since(k.lastLoad) < reloadTTL {
        c := *k.cached
        k.mu.RUnlock()
        return &c, nil
    }
    k.mu.RUnlock()
    cert, err := tls.LoadX509KeyPair(k.certFile, k.keyFile)
    if err != nil { return nil, err }
    k.mu.Lock()
    k.cached = &cert
    k.lastLoad = time.Now()
    k.mu.Unlock()
    return &cert, nil
}

func (o Options) server() (*tls.Config, error) {
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, errors.New("tls: server cert/key required when TLS enabled")
    }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

func (o Options) client() (*tls.Config, error) {
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    return cfg, nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil. A CA file
// turns on client certificate verification.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.server()
    if err != nil { return nil, err }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil { return nil, err }
    cfg.Certificates = []tls.Certificate{cert}
    return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.client()
    if err != nil { return nil, err }
    if o.CertFile != "" && o.KeyFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, err }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

// ServerHotReload is like Server but reloads the certificate on handshake
// after the TTL. The CA pool is loaded once. The key pair is read up front so
// a bad path fails at startup.
func (o Options) ServerHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.server()
    if err != nil { return nil, err }
    kp := &keyPair{certFile: o.CertFile, keyFile: o.KeyFile}
    if _, err := kp.get(); err != nil { return nil, err }
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() }
    return cfg, nil
}

// ClientHotReload is like Client but reloads the client certificate on demand.
// Without a cert/key pair no client certificate is presented.
func (o Options) ClientHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.client()
    if err != nil { return nil, err }
    if o.CertFile == "" || o.KeyFile == "" { return cfg, nil }
    kp := &keyPair{certFile: o.CertFile, keyFile: o.KeyFile}
    if _, err := kp.get(); err != nil { return nil, err }
    cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.get() }
    return cfg, nil
}
