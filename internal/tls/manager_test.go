package tls

import (
	stdtls "crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-security/internal/config"
)

func TestDevCertGenerator_ReusesValidCert(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir, nil)

	first, err := gen.GenerateCert(LoopbackHosts)
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(dir, keyName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := gen.GenerateCert(LoopbackHosts)
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, leaf.DNSNames)
	assert.Len(t, leaf.IPAddresses, 2)
}

func TestDevCertGenerator_RenewsNearExpiry(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir, nil)
	first, err := gen.GenerateCert(LoopbackHosts)
	require.NoError(t, err)

	gen.now = func() time.Time { return time.Now().Add(certValidity - 24*time.Hour) }
	second, err := gen.GenerateCert(LoopbackHosts)
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])
}

func TestTLSManager_ServesLoopback(t *testing.T) {
	m := NewTLSManager(config.ServerConfig{CertDir: t.TempDir()}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "ok")
		}),
		TLSConfig: m.GetTLSConfig(),
	}
	go srv.ServeTLS(ln, "", "")
	defer srv.Close()

	cert, err := m.GetCertificate(nil)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &stdtls.Config{RootCAs: pool}}}
	resp, err := client.Get("https://" + ln.Addr().String())
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

func TestTLSManager_BadKeyPair(t *testing.T) {
	m := NewTLSManager(config.ServerConfig{CertFile: "missing.pem", KeyFile: "missing.key"}, nil)
	_, err := m.GetCertificate(nil)
	assert.Error(t, err)
}
