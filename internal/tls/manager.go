// Package tls serves the local API over TLS for app shells that refuse
// plain HTTP, even on loopback.
package tls

import (
	"crypto/tls"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"app-security/internal/config"
	"app-security/internal/util"
)

type TLSManager struct {
	certFile string
	keyFile  string
	dev      *DevCertGenerator
	logger   *zap.Logger

	mu   sync.Mutex
	cert *tls.Certificate
}

func NewTLSManager(cfg config.ServerConfig, logger *zap.Logger) *TLSManager {
	logger = util.OrNop(logger)
	return &TLSManager{
		certFile: cfg.CertFile,
		keyFile:  cfg.KeyFile,
		dev:      NewDevCertGenerator(cfg.CertDir, logger),
		logger:   logger,
	}
}

// GetCertificate prefers the configured key pair and falls back to the
// self-signed loopback certificate. The result is cached.
func (m *TLSManager) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cert != nil {
		return m.cert, nil
	}

	if m.certFile != "" && m.keyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		m.cert = &cert
		return m.cert, nil
	}

	cert, err := m.dev.GenerateCert(LoopbackHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	m.cert = &cert
	return m.cert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}
