package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"software.sslmate.com/src/go-pkcs12"
)

type stubRouter struct {
	status int
}

func (s stubRouter) GetCorrespondingIDs(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(s.status)
	fmt.Fprint(w, r.PathValue("identifier"))
}

type panicRouter struct{}

func (panicRouter) GetCorrespondingIDs(w http.ResponseWriter, r *http.Request) {
	panic("lookup exploded")
}

type testCert struct {
	der     []byte
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
	keyPEM  []byte
}

func newTestCert(t *testing.T) *testCert {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "pixd test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	return &testCert{
		der:     der,
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}),
	}
}

func (c *testCert) writeFiles(t *testing.T) (keyPath, certPath string) {
	t.Helper()
	dir := t.TempDir()
	keyPath = filepath.Join(dir, "key.pem")
	certPath = filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(keyPath, c.keyPEM, 0o600))
	require.NoError(t, os.WriteFile(certPath, c.certPEM, 0o644))
	return keyPath, certPath
}

func (c *testCert) client() *http.Client {
	roots := x509.NewCertPool()
	roots.AddCert(c.cert)
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: roots}},
	}
}

// serve starts the bootstrap and stops it when the test ends.
func serve(t *testing.T, b *Bootstrap) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, b.Shutdown(ctx))
		assert.NoError(t, <-done)
	})
}

func lookupURL(li ListenInfo, id string) string {
	return li.URL() + "/pix/v1/" + AssigningAuthority + "/" + id
}

func TestBootstrapNoListener(t *testing.T) {
	b := NewBootstrap(DefaultConfig(), stubRouter{status: http.StatusOK}, zaptest.NewLogger(t))

	var notified int
	b.OnListening = func(ListenInfo) { notified++ }

	err := b.Listen(context.Background())
	require.ErrorIs(t, err, ErrNoListener)
	assert.Empty(t, b.Listeners())
	assert.Zero(t, notified)
}

func TestBootstrapPlaintext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server = &ServerConfig{Host: "127.0.0.1", Port: 0}

	b := NewBootstrap(cfg, stubRouter{status: http.StatusOK}, zaptest.NewLogger(t))
	var got []ListenInfo
	b.OnListening = func(li ListenInfo) { got = append(got, li) }

	require.NoError(t, b.Listen(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, "http", got[0].Scheme)
	assert.Equal(t, "127.0.0.1", got[0].Address)
	assert.NotZero(t, got[0].Port)
	assert.Equal(t, got, b.Listeners())
	serve(t, b)

	resp, err := http.Get(lookupURL(got[0], "123-45-6789"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "123-45-6789", string(body))
}

func TestBootstrapTLSFromFiles(t *testing.T) {
	tc := newTestCert(t)
	keyPath, certPath := tc.writeFiles(t)

	cfg := DefaultConfig()
	cfg.SecureServer = &SecureServerConfig{
		ServerConfig: ServerConfig{Host: "127.0.0.1"},
		EnableHTTP2:  true,
		Options:      TLSOptions{Key: keyPath, Cert: certPath},
	}

	b := NewBootstrap(cfg, stubRouter{status: http.StatusOK}, zaptest.NewLogger(t))
	require.NoError(t, b.Listen(context.Background()))
	listeners := b.Listeners()
	require.Len(t, listeners, 1)
	assert.Equal(t, "https", listeners[0].Scheme)
	serve(t, b)

	resp, err := tc.client().Get(lookupURL(listeners[0], "abc"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, resp.TLS)
	require.NotEmpty(t, resp.TLS.PeerCertificates)
	assert.Equal(t, tc.der, resp.TLS.PeerCertificates[0].Raw, "served certificate is the one on disk")
}

func TestBootstrapMissingCertFails(t *testing.T) {
	tc := newTestCert(t)
	keyPath, _ := tc.writeFiles(t)

	cfg := DefaultConfig()
	cfg.Server = &ServerConfig{Host: "127.0.0.1"}
	cfg.SecureServer = &SecureServerConfig{
		ServerConfig: ServerConfig{Host: "127.0.0.1"},
		Options:      TLSOptions{Key: keyPath, Cert: filepath.Join(t.TempDir(), "missing.pem")},
	}

	b := NewBootstrap(cfg, stubRouter{status: http.StatusOK}, zaptest.NewLogger(t))
	err := b.Listen(context.Background())
	t.Cleanup(b.Close)

	var lerr *ListenerError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "https", lerr.Scheme)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// The plaintext listener was still bound.
	listeners := b.Listeners()
	require.Len(t, listeners, 1)
	assert.Equal(t, "http", listeners[0].Scheme)
}

func TestLoadTLSConfig(t *testing.T) {
	tc := newTestCert(t)
	keyPath, certPath := tc.writeFiles(t)

	t.Run("inline pem", func(t *testing.T) {
		cfg, err := loadTLSConfig(TLSOptions{Key: string(tc.keyPEM), Cert: string(tc.certPEM)})
		require.NoError(t, err)
		require.Len(t, cfg.Certificates, 1)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	})

	t.Run("pfx", func(t *testing.T) {
		pfx, err := pkcs12.Modern.Encode(tc.key, tc.cert, nil, "changeit")
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "server.pfx")
		require.NoError(t, os.WriteFile(path, pfx, 0o600))

		cfg, err := loadTLSConfig(TLSOptions{Pfx: path, Passphrase: "changeit"})
		require.NoError(t, err)
		require.Len(t, cfg.Certificates, 1)
		assert.Equal(t, tc.der, cfg.Certificates[0].Certificate[0])

		_, err = loadTLSConfig(TLSOptions{Pfx: path, Passphrase: "wrong"})
		assert.Error(t, err)
	})

	t.Run("key without cert", func(t *testing.T) {
		_, err := loadTLSConfig(TLSOptions{Key: keyPath})
		assert.Error(t, err)
	})

	t.Run("mismatched pair", func(t *testing.T) {
		other := newTestCert(t)
		_, err := loadTLSConfig(TLSOptions{Key: string(other.keyPEM), Cert: certPath})
		assert.Error(t, err)
	})

	t.Run("nothing configured", func(t *testing.T) {
		_, err := loadTLSConfig(TLSOptions{})
		assert.Error(t, err)
	})
}

func TestRecoverer(t *testing.T) {
	for _, debug := range []bool{false, true} {
		t.Run(fmt.Sprintf("debug=%v", debug), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Debug = debug
			h := NewBootstrap(cfg, panicRouter{}, zaptest.NewLogger(t)).Handler()

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pix/v1/"+AssigningAuthority+"/1", nil))

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			if debug {
				assert.Contains(t, rec.Body.String(), "lookup exploded")
				assert.Contains(t, rec.Body.String(), "goroutine")
			} else {
				assert.NotContains(t, rec.Body.String(), "lookup exploded")
			}
		})
	}
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := accessLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("nope"))
	}), newLogWriter(zap.New(core), zapcore.DebugLevel))

	req := httptest.NewRequest(http.MethodGet, "/pix/v1/x/y?z=1", nil)
	req.Header.Set("User-Agent", "pix-test")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	line := entries[0].Message
	assert.Contains(t, line, `"GET /pix/v1/x/y?z=1 HTTP/1.1" 404 4`)
	assert.Contains(t, line, `"pix-test"`)
}
