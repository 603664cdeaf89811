package gotls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// config is the engine side of a configuration handle. Files are read when
// the setter runs; everything is combined into a *tls.Config by build.
type config struct {
	caPEM      [][]byte
	caPath     string
	certPEM    []byte
	keyPEM     []byte
	ciphers    []uint16
	curves     []tls.CurveID
	minVersion uint16
	maxVersion uint16
	dheParams  string
	// verifyDepth is the maximum number of intermediate certificates; -1
	// leaves chain length unchecked.
	verifyDepth int
}

func newConfig() *config {
	return &config{
		minVersion:  tls.VersionTLS12,
		maxVersion:  tls.VersionTLS13,
		dheParams:   "none",
		verifyDepth: -1,
	}
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// certPool collects the configured authorities. It returns nil when none
// were configured.
func (c *config) certPool() (*x509.CertPool, error) {
	if len(c.caPEM) == 0 && c.caPath == "" {
		return nil, nil
	}

	pool := x509.NewCertPool()
	for _, pem := range c.caPEM {
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in CA data")
		}
	}

	if c.caPath != "" {
		entries, err := os.ReadDir(c.caPath)
		if err != nil {
			return nil, fmt.Errorf("read CA path: %w", err)
		}
		loaded := 0
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			data, err := readFile(filepath.Join(c.caPath, entry.Name()))
			if err != nil {
				return nil, err
			}
			if pool.AppendCertsFromPEM(data) {
				loaded++
			}
		}
		if loaded == 0 {
			return nil, fmt.Errorf("no certificates found in %s", c.caPath)
		}
	}
	return pool, nil
}

// build produces the *tls.Config for a client or server context.
func (c *config) build(server bool) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:       c.minVersion,
		MaxVersion:       c.maxVersion,
		CipherSuites:     c.ciphers,
		CurvePreferences: c.curves,
	}

	if len(c.certPEM) > 0 || len(c.keyPEM) > 0 {
		if len(c.certPEM) == 0 || len(c.keyPEM) == 0 {
			return nil, errors.New("both certificate and key are required")
		}
		certificate, err := tls.X509KeyPair(c.certPEM, c.keyPEM)
		if err != nil {
			return nil, fmt.Errorf("load keypair: %w", err)
		}
		out.Certificates = []tls.Certificate{certificate}
	} else if server {
		return nil, errors.New("server requires a certificate and key")
	}

	pool, err := c.certPool()
	if err != nil {
		return nil, err
	}
	if server {
		if pool != nil {
			out.ClientCAs = pool
			out.ClientAuth = tls.VerifyClientCertIfGiven
		}
	} else {
		out.RootCAs = pool
	}

	if c.verifyDepth >= 0 {
		depth := c.verifyDepth
		out.VerifyConnection = func(cs tls.ConnectionState) error {
			return checkDepth(cs.VerifiedChains, depth)
		}
	}
	return out, nil
}

// checkDepth passes when at least one verified chain has no more than depth
// intermediates. Connections without verified chains are not checked.
func checkDepth(chains [][]*x509.Certificate, depth int) error {
	if len(chains) == 0 {
		return nil
	}
	for _, chain := range chains {
		if len(chain)-2 <= depth {
			return nil
		}
	}
	return fmt.Errorf("certificate chain exceeds verify depth %d", depth)
}
