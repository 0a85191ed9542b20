// Package tlsconfig builds mutual TLS configs for the node's gRPC and management
// listeners. Certificates are re-read from disk so that rotated files take effect
// without a restart.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "fmt"
    "os"
    "sync"
    "time"

    "github.com/amirimatin/go-group/pkg/membership"
)

// DefaultReload is how long a loaded key pair is reused before the files are read again.
const DefaultReload = 10 * time.Second

// Options defines mTLS configuration inputs.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
    // Reload overrides DefaultReload. Negative disables reloading.
    Reload time.Duration
}

// Server returns a server config, or nil when TLS is disabled. With a CA file,
// clients must present a certificate signed by it.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, fmt.Errorf("tlsconfig: %w: server cert and key required", membership.ErrInvalidArgument)
    }
    kp, err := o.keyPair()
    if err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns a client config, or nil when TLS is disabled. The client
// certificate is optional.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        kp, err := o.keyPair()
        if err != nil { return nil, err }
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.get() }
    }
    return cfg, nil
}

func (o Options) keyPair() (*reloader, error) {
    ttl := o.Reload
    if ttl == 0 { ttl = DefaultReload }
    r := &reloader{cert: o.CertFile, key: o.KeyFile, ttl: ttl}
    // Fail fast on unreadable files.
    if _, err := r.get(); err != nil { return nil, err }
    return r, nil
}

func loadPool(path string) (*x509.CertPool, error) {
    ca, err := os.ReadFile(path)
    if err != nil { return nil, fmt.Errorf("tlsconfig: read CA: %w", err) }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(ca) {
        return nil, fmt.Errorf("tlsconfig: %w: no certificates in %s", membership.ErrInvalidArgument, path)
    }
    return pool, nil
}

type reloader struct {
    cert, key string
    ttl       time.Duration

    mu       sync.RWMutex
    cached   *tls.Certificate
    loadedAt time.Time
}

func (r *reloader) get() (*tls.Certificate, error) {
    r.mu.RLock()
    c, at := r.cached, r.loadedAt
    r.mu.RUnlock()
    if c != nil && (r.ttl < 0 || time.Since(at) < r.ttl) { return c, nil }

    cert, err := tls.LoadX509KeyPair(r.cert, r.key)
    if err != nil {
        // Keep serving the previous pair while a rotation is half written.
        if c != nil { return c, nil }
        return nil, fmt.Errorf("tlsconfig: load key pair: %w", err)
    }
    r.mu.Lock()
    r.cached, r.loadedAt = &cert, time.Now()
    r.mu.Unlock()
    return &cert, nil
}
