package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Server builds a *tls.Config for a listener guarded by this mode: the IST
// receiver's bind, or the control-plane listener a serve-donor process
// accepts DirectGCS connections on. Returns nil, nil when TLS isn't
// enabled, so callers can pass the result straight through unchecked.
func (m TLSMode) Server() (*tls.Config, error) {
	if !m.Enable {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: load tls cert/key: %w", err)
	}
	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion(m.MinVersion),
	}
	if m.CAFile != "" {
		pool, err := loadCertPool(m.CAFile)
		if err != nil {
			return nil, err
		}
		tc.ClientAuth = tls.RequireAndVerifyClientCert
		tc.ClientCAs = pool
	}
	return tc, nil
}

// Client builds a *tls.Config for dialing out under this mode: the IST
// sender connecting to a joiner's receiver, or a joiner's DirectGCS dialing
// a donor's control listener. CAFile, when set, is trusted as the root pool
// instead of the system roots; CertFile/KeyFile, when both set, are
// presented as a client certificate. Returns nil, nil when TLS isn't
// enabled.
func (m TLSMode) Client() (*tls.Config, error) {
	if !m.Enable {
		return nil, nil
	}
	tc := &tls.Config{MinVersion: minVersion(m.MinVersion)}
	if m.CAFile != "" {
		pool, err := loadCertPool(m.CAFile)
		if err != nil {
			return nil, err
		}
		tc.RootCAs = pool
	}
	if m.CertFile != "" && m.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: load tls cert/key: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func minVersion(v uint16) uint16 {
	if v == 0 {
		return tls.VersionTLS13
	}
	return v
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read ca file %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("config: no certificates found in %s", path)
	}
	return pool, nil
}
