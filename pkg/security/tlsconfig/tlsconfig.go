// Package tlsconfig builds TLS configs for the management transport.
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

// reloadEvery bounds how long a loaded certificate is reused.
const reloadEvery = 10 * time.Second

// Options defines mTLS configuration inputs.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
}

func (o Options) Validate() error {
    if !o.Enable { return nil }
    if (o.CertFile == "") != (o.KeyFile == "") {
        return errors.New("tls: cert and key must be set together")
    }
    return nil
}

func caPool(path string) (*x509.CertPool, error) {
    pem, err := os.ReadFile(path)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) {
        return nil, fmt.Errorf("tls: no certificates in %s", path)
    }
    return pool, nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil. A CA
// file turns on client certificate verification.
func (o Options) Server() (*tls.Config, error) {
    cfg, err := o.serverBase()
    if err != nil || cfg == nil { return cfg, err }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil { return nil, err }
    cfg.Certificates = []tls.Certificate{cert}
    return cfg, nil
}

// ServerHotReload is Server with the key pair re-read from disk at most every
// reloadEvery, so certificates can be rotated without a restart.
func (o Options) ServerHotReload() (*tls.Config, error) {
    cfg, err := o.serverBase()
    if err != nil || cfg == nil { return cfg, err }
    r := &reloader{cert: o.CertFile, key: o.KeyFile}
    if _, err := r.load(); err != nil { return nil, err }
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return r.load() }
    return cfg, nil
}

func (o Options) serverBase() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, errors.New("tls: server cert/key required when TLS enabled")
    }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if o.CAFile != "" {
        pool, err := caPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
    cfg, err := o.clientBase()
    if err != nil || cfg == nil { return cfg, err }
    if o.CertFile != "" && o.KeyFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, err }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

// ClientHotReload is Client with the client key pair re-read on demand.
func (o Options) ClientHotReload() (*tls.Config, error) {
    cfg, err := o.clientBase()
    if err != nil || cfg == nil { return cfg, err }
    if o.CertFile == "" || o.KeyFile == "" { return cfg, nil }
    r := &reloader{cert: o.CertFile, key: o.KeyFile}
    cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return r.load() }
    return cfg, nil
}

func (o Options) clientBase() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    if o.CAFile != "" {
        pool, err := caPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    return cfg, nil
}

type reloader struct {
    cert, key string

    mu       sync.RWMutex
    cached   *tls.Certificate
    lastLoad time.Time
}

func (r *reloader) load() (*tls.Certificate, error) {
    r.mu.RLock()
    if r.cached != nil && time.Since(r.lastLoad) < reloadEvery {
        c := r.cached
        r.mu.RUnlock()
        return c, nil
    }
    r.mu.RUnlock()
    cert, err := tls.LoadX509KeyPair(r.cert, r.key)
    if err != nil { return nil, err }
    r.mu.Lock()
    r.cached, r.lastLoad = &cert, time.Now()
    r.mu.Unlock()
    return &cert, nil
}
