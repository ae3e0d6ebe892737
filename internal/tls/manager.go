package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"abuse-guard/internal/config"
	"abuse-guard/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

var ErrNoCertificate = errors.New("no TLS certificate available")

// TLSManager picks the server certificate: ACME first, then the configured
// files, then a self-signed certificate outside production.
type TLSManager struct {
	server     config.ServerConfig
	production bool
	autoCert   *autocert.Manager

	mu     sync.Mutex
	static *tls.Certificate
}

func NewTLSManager(server config.ServerConfig, environment string) (*TLSManager, error) {
	m := &TLSManager{
		server:     server,
		production: environment == "production",
	}

	if server.AutoCert {
		if err := os.MkdirAll(server.AutoCertDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create autocert directory: %w", err)
		}
		m.autoCert = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(server.Domain),
			Cache:      autocert.DirCache(server.AutoCertDir),
			Email:      server.Email,
		}
		util.Info("AutoCert configured",
			zap.String("domain", server.Domain),
			zap.String("cache_dir", server.AutoCertDir))
	}

	if m.autoCert == nil && (server.CertFile == "" || server.KeyFile == "") && m.production {
		return nil, fmt.Errorf("%w: production requires autocert or certificate files", ErrNoCertificate)
	}
	return m, nil
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("AutoCert failed, falling back", zap.String("server_name", hello.ServerName), zap.Error(err))
	}
	return m.staticCertificate()
}

func (m *TLSManager) staticCertificate() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.static != nil {
		return m.static, nil
	}

	if m.server.CertFile != "" && m.server.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.server.CertFile, m.server.KeyFile)
		if err == nil {
			m.static = &cert
			return m.static, nil
		}
		if m.production {
			return nil, fmt.Errorf("failed to load certificate files: %w", err)
		}
		util.Warn("Could not load certificate files", zap.Error(err))
	}

	if m.production {
		return nil, ErrNoCertificate
	}

	hosts := []string{m.server.Domain, "localhost", "127.0.0.1", "::1"}
	cert, err := NewDevCertGenerator(m.server.AutoCertDir).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	m.static = &cert
	return m.static, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	cfg := &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
	if m.autoCert != nil {
		cfg.NextProtos = append(cfg.NextProtos, "acme-tls/1")
	}
	return cfg
}

// HTTPChallengeHandler wraps fallback with the ACME http-01 responder when
// autocert is on.
func (m *TLSManager) HTTPChallengeHandler(fallback http.Handler) http.Handler {
	if m.autoCert == nil {
		return fallback
	}
	return m.autoCert.HTTPHandler(fallback)
}
