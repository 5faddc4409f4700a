package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/net/http2"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"software.sslmate.com/src/go-pkcs12"
)

// ErrNoListener means the configuration declares neither server nor secureServer.
var ErrNoListener = errors.New("configuration must contain a server or secureServer")

// ListenerError reports a listener that could not be constructed or bound.
type ListenerError struct {
	Scheme  string
	Address string
	Err     error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("%s listener %s: %v", e.Scheme, e.Address, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// ListenInfo describes a bound listener.
type ListenInfo struct {
	Scheme  string
	Address string
	Port    int
}

// URL returns scheme://host:port.
func (li ListenInfo) URL() string {
	return fmt.Sprintf("%s://%s", li.Scheme, net.JoinHostPort(li.Address, fmt.Sprint(li.Port)))
}

type boundServer struct {
	info ListenInfo
	srv  *http.Server
	ln   net.Listener
}

// Bootstrap owns the HTTP surface of one worker and its listeners.
type Bootstrap struct {
	cfg     *Config
	handler http.Handler
	logger  *zap.Logger
	servers []*boundServer

	// OnListening is called after each successful bind.
	OnListening func(ListenInfo)
}

func NewBootstrap(cfg *Config, router Router, logger *zap.Logger) *Bootstrap {
	logger = logger.With(zap.String("component", "bootstrap"))

	mux := http.NewServeMux()
	mux.HandleFunc(LookupPattern, router.GetCorrespondingIDs)

	var handler http.Handler = mux
	handler = recoverer(handler, cfg.Debug, logger)
	handler = accessLog(handler, newLogWriter(logger, zapcore.DebugLevel))

	return &Bootstrap{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
}

// Handler returns the routed handler with logging and recovery applied.
func (b *Bootstrap) Handler() http.Handler {
	return b.handler
}

// Listen binds server then secureServer. A failure on one does not prevent
// trying the other; all failures are returned joined. Nothing is bound when
// neither is configured.
func (b *Bootstrap) Listen(ctx context.Context) error {
	if b.cfg.Server == nil && b.cfg.SecureServer == nil {
		b.logger.Error(ErrNoListener.Error())
		return ErrNoListener
	}

	var errs []error

	if sc := b.cfg.Server; sc != nil {
		if err := b.bind(ctx, "http", sc, nil); err != nil {
			errs = append(errs, err)
		}
	}

	if sc := b.cfg.SecureServer; sc != nil {
		tlsCfg, err := loadTLSConfig(sc.Options)
		if err != nil {
			err = &ListenerError{Scheme: "https", Address: sc.Address(), Err: err}
			b.logger.Error("failed to load TLS material", zap.Error(err))
			errs = append(errs, err)
		} else if err := b.bind(ctx, "https", &sc.ServerConfig, tlsCfg); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (b *Bootstrap) bind(ctx context.Context, scheme string, sc *ServerConfig, tlsCfg *tls.Config) error {
	lc := net.ListenConfig{Control: reusePortControl}
	ln, err := lc.Listen(ctx, "tcp", sc.Address())
	if err != nil {
		err = &ListenerError{Scheme: scheme, Address: sc.Address(), Err: err}
		b.logger.Error("failed to bind listener", zap.Error(err))
		return err
	}
	if sc.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, sc.MaxConnections)
	}

	srv := &http.Server{
		Handler:           b.handler,
		ReadTimeout:       sc.ReadTimeout,
		WriteTimeout:      sc.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(b.logger.With(zap.String("scheme", scheme))),
	}

	if tlsCfg != nil {
		srv.TLSConfig = tlsCfg
		if b.cfg.SecureServer.EnableHTTP2 {
			if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
				ln.Close()
				return &ListenerError{Scheme: scheme, Address: sc.Address(), Err: err}
			}
		}
		ln = tls.NewListener(ln, srv.TLSConfig)

		for _, c := range tlsCfg.Certificates {
			leaf, err := leafCertificate(c)
			if err != nil {
				b.logger.Warn("failed to parse serving certificate", zap.Error(err))
				continue
			}
			b.logger.Info("serving certificate",
				zap.String("subject", leaf.Subject.String()),
				zap.Time("not_after", leaf.NotAfter))
		}
	}

	info := ListenInfo{Scheme: scheme, Address: sc.Host}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		info.Port = tcp.Port
		if info.Address == "" {
			info.Address = tcp.IP.String()
		}
	}

	b.servers = append(b.servers, &boundServer{info: info, srv: srv, ln: ln})
	b.logger.Info("PIX server listening at " + info.URL())
	if b.OnListening != nil {
		b.OnListening(info)
	}
	return nil
}

// Listeners returns the bound listeners in bind order.
func (b *Bootstrap) Listeners() []ListenInfo {
	out := make([]ListenInfo, 0, len(b.servers))
	for _, s := range b.servers {
		out = append(out, s.info)
	}
	return out
}

// Serve blocks until every bound server has stopped.
func (b *Bootstrap) Serve() error {
	var g errgroup.Group
	for _, s := range b.servers {
		s := s
		g.Go(func() error {
			if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return &ListenerError{Scheme: s.info.Scheme, Address: s.info.URL(), Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops accepting and waits for in-flight requests.
func (b *Bootstrap) Shutdown(ctx context.Context) error {
	var errs []error
	for _, s := range b.servers {
		if err := s.srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases listeners that were bound but never served.
func (b *Bootstrap) Close() {
	for _, s := range b.servers {
		s.srv.Close()
		s.ln.Close()
	}
}

// loadTLSConfig resolves key, cert and pfx option values to their contents.
func loadTLSConfig(opts TLSOptions) (*tls.Config, error) {
	key, err := readMaterial("key", opts.Key)
	if err != nil {
		return nil, err
	}
	cert, err := readMaterial("cert", opts.Cert)
	if err != nil {
		return nil, err
	}
	pfx, err := readMaterial("pfx", opts.Pfx)
	if err != nil {
		return nil, err
	}

	var certs []tls.Certificate
	if cert != nil || key != nil {
		if cert == nil || key == nil {
			return nil, fmt.Errorf("options.key and options.cert must be set together")
		}
		pair, err := tls.X509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load key pair: %w", err)
		}
		certs = append(certs, pair)
	}

	if pfx != nil {
		privateKey, leaf, chain, err := pkcs12.DecodeChain(pfx, opts.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to decode pfx: %w", err)
		}
		c := tls.Certificate{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  privateKey,
			Leaf:        leaf,
		}
		for _, ca := range chain {
			c.Certificate = append(c.Certificate, ca.Raw)
		}
		certs = append(certs, c)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("options must provide key and cert, or pfx")
	}

	return &tls.Config{
		Certificates: certs,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// readMaterial reads a path; inline PEM is passed through unchanged.
func readMaterial(name, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(strings.TrimSpace(value), "-----BEGIN") {
		return []byte(value), nil
	}
	data, err := os.ReadFile(value)
	if err != nil {
		return nil, fmt.Errorf("failed to read options.%s: %w", name, err)
	}
	return data, nil
}

// leafCertificate parses the first certificate of a key pair; used to report what a listener serves.
func leafCertificate(c tls.Certificate) (*x509.Certificate, error) {
	if c.Leaf != nil {
		return c.Leaf, nil
	}
	if len(c.Certificate) == 0 {
		return nil, fmt.Errorf("empty certificate chain")
	}
	return x509.ParseCertificate(c.Certificate[0])
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

// accessLog writes one combined-style line per request to sink.
func accessLog(next http.Handler, sink *logWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		var line bytes.Buffer
		fmt.Fprintf(&line, "%s - - [%s] \"%s %s %s\" %d %d %v \"%s\"\n",
			r.RemoteAddr, start.Format("02/Jan/2006:15:04:05 -0700"),
			r.Method, r.URL.RequestURI(), r.Proto, rec.status, rec.bytes,
			time.Since(start), r.UserAgent())
		sink.Write(line.Bytes())
	})
}

// recoverer turns a handler panic into a 500. With debug the panic and stack
// are included in the response body.
func recoverer(next http.Handler, showStack bool, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			stack := debug.Stack()
			logger.Error("handler panic", zap.Any("panic", rec), zap.ByteString("stack", stack))
			if showStack {
				http.Error(w, fmt.Sprintf("%v\n\n%s", rec, stack), http.StatusInternalServerError)
				return
			}
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}
