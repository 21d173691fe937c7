package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/die-net/switchyard/internal/dialer"
	"github.com/die-net/switchyard/internal/sockets"
	"github.com/die-net/switchyard/internal/transport"
)

// HTTPProxyServer serves an HTTP forward proxy.
//
// It supports:
// - HTTP CONNECT tunneling (via connection hijacking + bidirectional copy)
// - non-CONNECT proxying (via httputil.ReverseProxy over Config.Forward or
//   the Dialer)
//
// Upstream failures are answered with the status and message of a
// transport.UpstreamConnectError, or transport.StatusCode otherwise, and the
// message is repeated in the X-Switchyard-Proxyerror header.
type HTTPProxyServer struct {
	ctx     context.Context
	cfg     Config
	dialer  dialer.Dialer
	reg     *sockets.Registry
	log     *zap.Logger
	metrics *serverMetrics
	srv     *http.Server
	rp      *httputil.ReverseProxy
	tls     *tls.Config
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
//
// Serve starts accepting connections on a listener; Close stops the underlying
// http.Server.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	return newHTTPProxyServer(ctx, cfg, "http")
}

// NewHTTPSProxyServer is NewHTTPProxyServer for clients that reach the
// proxy itself over TLS. Serve wraps its listener with cert.
func NewHTTPSProxyServer(ctx context.Context, cfg Config, cert tls.Certificate) *HTTPProxyServer {
	s := newHTTPProxyServer(ctx, cfg, "https")
	s.tls = ingressTLSConfig(cert)
	return s
}

func newHTTPProxyServer(ctx context.Context, cfg Config, name string) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = sockets.NewRegistry()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewTaggedDirectDialer(dialer.Config{
			NegotiationTimeout: cfg.NegotiationTimeout,
			KeepAlive:          cfg.KeepAlive,
			Registry:           reg,
		}, name+":upstream")
	}

	h := &HTTPProxyServer{
		ctx:     ctx,
		cfg:     cfg,
		dialer:  cfg.Dialer,
		reg:     reg,
		log:     cfg.logger().With(zap.String("server", name)),
		metrics: newServerMetrics(name),
		rp:      newReverseProxy(cfg),
	}
	h.srv = &http.Server{
		Handler:           http.HandlerFunc(h.handle),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return h.ctx
		},
	}
	return h
}

// Serve serves HTTP proxy requests on ln.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}
	return s.srv.Serve(ln)
}

// Close stops the HTTP server. Hijacked tunnels are closed through the
// Registry by whoever owns it.
func (s *HTTPProxyServer) Close() error {
	return s.srv.Close()
}

// Stats returns the server's counters.
func (s *HTTPProxyServer) Stats() Stats {
	return s.metrics.stats()
}

// Describe implements prometheus.Collector.
func (s *HTTPProxyServer) Describe(ch chan<- *prometheus.Desc) {
	s.metrics.Describe(ch)
}

// Collect implements prometheus.Collector.
func (s *HTTPProxyServer) Collect(ch chan<- prometheus.Metric) {
	s.metrics.Collect(ch)
}

func (s *HTTPProxyServer) handle(w http.ResponseWriter, r *http.Request) {
	s.metrics.accepted.Inc()
	if !s.cfg.Allow.AllowedIP(hostIP(r.RemoteAddr)) {
		s.metrics.failed.Inc()
		http.Error(w, ErrNotAllowed.Error(), http.StatusForbidden)
		return
	}

	if strings.EqualFold(r.Method, http.MethodConnect) {
		s.handleConnect(w, r)
		return
	}
	s.rp.ServeHTTP(w, r)
}

func (s *HTTPProxyServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	rawConn, brw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	_ = brw.Flush()

	clientConn, err := s.reg.Track(rawConn, s.metrics.name+":client")
	if err != nil {
		_ = rawConn.Close()
		s.metrics.failed.Inc()
		return
	}
	defer clientConn.Close()

	s.metrics.active.Inc()
	defer s.metrics.active.Dec()

	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	ctx := r.Context()
	if s.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
		defer cancel()
	}

	serverConn, err := s.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		s.metrics.failed.Inc()
		if s.cfg.Verbose {
			s.log.Debug("http connect failed", zap.String("target", target), zap.String("remote", r.RemoteAddr), zap.Error(err))
		}
		_, _ = writeError(brw, err)
		_ = brw.Flush()
		return
	}

	_, _ = brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	_ = brw.Flush()

	if s.cfg.IdleTimeout > 0 {
		clientConn.SetIdleTimeout(s.cfg.IdleTimeout)
	}

	// Bytes the client sent after the CONNECT headers are still in brw.
	left := &bufferedConn{Conn: clientConn, r: brw.Reader}
	sent, received, err := CopyBidirectional(s.ctx, left, serverConn)
	s.metrics.sent.Add(sent)
	s.metrics.received.Add(received)
	if err != nil && s.cfg.Verbose {
		s.log.Debug("http relay", zap.String("target", target), zap.Error(err))
	}
}

// errorResponse maps an upstream failure to a status code and message.
func errorResponse(err error) (int, string) {
	var uce *transport.UpstreamConnectError
	if errors.As(err, &uce) {
		return uce.StatusCode, uce.Message
	}
	return transport.StatusCode(err), err.Error()
}

// writeError simulates http.Error() for use on a hijacked connection.
func writeError(brw *bufio.ReadWriter, err error) (int, error) {
	code, msg := errorResponse(err)
	return fmt.Fprintf(brw, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\n%s: %s\r\nConnection: close\r\n\r\n%s\r\n",
		code, http.StatusText(code), transport.PlatformErrorHeader, headerSafe(msg), msg)
}

func headerSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}

func newReverseProxy(cfg Config) *httputil.ReverseProxy {
	director := func(r *http.Request) {
		// Forward-proxy handling: ensure URL is absolute and points at the origin server.
		if r.URL == nil {
			return
		}

		// Allow schema override through a non-standard header.
		if s, ok := r.Header["X-Proxy-Scheme"]; ok {
			delete(r.Header, "X-Proxy-Scheme")
			r.URL.Scheme = s[0]
		} else if r.URL.Scheme == "" {
			r.URL.Scheme = "http"
		}

		if r.URL.Host == "" {
			r.URL.Host = r.Host
		}
		r.Host = r.URL.Host

		// Ask that X-Forwarded-For not be set.
		r.Header["X-Forwarded-For"] = nil
	}

	errHandler := func(w http.ResponseWriter, _ *http.Request, err error) {
		code, msg := errorResponse(err)
		w.Header().Set(transport.PlatformErrorHeader, headerSafe(msg))
		http.Error(w, msg, code)
	}

	return &httputil.ReverseProxy{
		Director:      director,
		Transport:     newTransport(cfg),
		FlushInterval: 10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler:  errHandler,
		BufferPool:    relayBuffers,
	}
}

func newTransport(cfg Config) http.RoundTripper {
	if cfg.Forward != nil {
		return cfg.Forward
	}
	maxIdle := cfg.HTTPMaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}
	t := &http.Transport{
		DialContext:         cfg.Dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		IdleConnTimeout:     cfg.HTTPIdleTimeout,
		TLSHandshakeTimeout: cfg.NegotiationTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}

	// For non-CONNECT HTTP proxying, prefer the standard library proxy support when the
	// configured dialer is an HTTP proxy.
	if up, ok := cfg.Dialer.(*dialer.HTTPProxyDialer); ok {
		t.Proxy = http.ProxyURL(up.ProxyURL())
		// When using Transport.Proxy, DialContext is used to connect to the proxy itself.
		t.DialContext = up.Direct().DialContext
	}

	return t
}
