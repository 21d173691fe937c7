package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/switchyard/internal/dialer"
	"github.com/die-net/switchyard/internal/fingerprint"
)

// maxFingerprintBody caps the body read from a fingerprint check.
const maxFingerprintBody = 1 << 20

type Config struct {
	// Dialer configures the sockets opened to proxies. Its Registry, when
	// set, tracks every layer of every tunnel.
	Dialer dialer.Config
	// Fetcher serves kinds without a Complete function.
	Fetcher Fetcher
	Logger  *zap.Logger
}

// Transport routes requests through the upstream proxies of one Kind.
type Transport struct {
	kind Kind
	cfg  Config
	log  *zap.Logger
}

func New(kind Kind, cfg Config) *Transport {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{kind: kind, cfg: cfg, log: log.With(zap.String("transport", kind.Name))}
}

// NewForKind looks name up with LookupKind and returns its Transport.
func NewForKind(name string, cfg Config) (*Transport, error) {
	k, err := LookupKind(name)
	if err != nil {
		return nil, err
	}
	return New(k, cfg), nil
}

// Kind returns the kind name.
func (t *Transport) Kind() string {
	return t.kind.Name
}

func (t *Transport) tag(role string) string {
	return "transport:" + t.kind.Name + ":" + role
}

// CompleteProxyConfig maps connector configuration and a session key to a
// descriptor. Kinds without a Complete function ask the Fetcher.
func (t *Transport) CompleteProxyConfig(ctx context.Context, c *Connector, key string) (*ProxyDescriptor, error) {
	if c == nil {
		return nil, configErrorf("connector", "missing connector")
	}
	if t.kind.Complete != nil {
		return t.kind.Complete(c, key)
	}
	if t.cfg.Fetcher == nil {
		return nil, configErrorf("fetcher", "kind %s needs a fetcher", t.kind.Name)
	}

	d, err := t.cfg.Fetcher.FetchProxy(ctx, c, key)
	if err != nil {
		return nil, fmt.Errorf("transport %s fetch %s: %w", t.kind.Name, key, err)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// BuildRequestArgs returns the connection parameters for req through d.
// Configuration errors are returned here; connection errors come from
// RequestArgs.Dial or Do.
func (t *Transport) BuildRequestArgs(req *Request, d *ProxyDescriptor) (*RequestArgs, error) {
	return t.buildRequestArgs(req, d, false)
}

// BuildFingerprintRequestArgs is BuildRequestArgs for fingerprint checks:
// it forces d's fingerprint onto the request and applies the kind's
// fingerprint target and CONNECT headers.
func (t *Transport) BuildFingerprintRequestArgs(req *Request, d *ProxyDescriptor) (*RequestArgs, error) {
	return t.buildRequestArgs(req, d, true)
}

func (t *Transport) buildRequestArgs(req *Request, d *ProxyDescriptor, fp bool) (*RequestArgs, error) {
	if req == nil || req.URL == nil {
		return nil, configErrorf("request", "missing request url")
	}
	if err := d.validate(); err != nil {
		return nil, err
	}

	u := req.URL
	header := cloneHeader(req.Header)
	connectHeader := cloneHeader(req.ConnectHeader)

	if fp {
		if t.kind.FingerprintURL != "" {
			fu, err := url.Parse(t.kind.FingerprintURL)
			if err != nil {
				return nil, &ConfigError{Field: "fingerprint_url", Err: err}
			}
			u = fu
		}
		for k, vv := range t.kind.FingerprintConnectHeader {
			connectHeader[http.CanonicalHeaderKey(k)] = append([]string(nil), vv...)
		}
		if err := fingerprint.Attach(header, d.Fingerprint); err != nil {
			return nil, &ConfigError{Field: "fingerprint", Err: err}
		}
	}

	var secure bool
	switch strings.ToLower(u.Scheme) {
	case "http":
	case "https":
		secure = true
	default:
		return nil, configErrorf("url", "unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, configErrorf("url", "missing host")
	}
	port, err := targetPort(u, secure)
	if err != nil {
		return nil, err
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))

	args := &RequestArgs{
		Method:   req.Method,
		Hostname: d.Address.Hostname,
		Port:     d.Address.Port,
		Path:     u.RequestURI(),
		Host:     u.Host,
		Header:   header,
		Timeout:  req.Timeout,
	}

	tn := &tunnel{t: t, d: d, target: target, header: connectHeader}
	if secure {
		tn.tlsHost = host
	}

	switch {
	case d.Type.isHTTP() && !secure:
		// The proxy gets the request itself.
		t.kind.authorize(header, d)
		abs := *u
		abs.User = nil
		abs.Fragment = ""
		args.Path = abs.String()
		tn.target = ""
	case d.Type.isHTTP():
		t.kind.authorize(connectHeader, d)
	default:
		args.Hostname = host
		args.Port = port
	}

	args.Dial = t.dialFunc(tn, req.Timeout)
	return args, nil
}

// BuildConnectArgs returns the parameters of a raw tunnel to target
// ("host:port") through d.
func (t *Transport) BuildConnectArgs(target string, header http.Header, d *ProxyDescriptor, timeout time.Duration) (*RequestArgs, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, &ConfigError{Field: "target", Err: err}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 || host == "" {
		return nil, configErrorf("target", "invalid target %q", target)
	}

	h := cloneHeader(header)
	if d.Type.isHTTP() {
		t.kind.authorize(h, d)
	}

	args := &RequestArgs{
		Method:   http.MethodConnect,
		Hostname: d.Address.Hostname,
		Port:     d.Address.Port,
		Path:     target,
		Host:     target,
		Header:   h,
		Timeout:  timeout,
	}
	if d.Type.isSOCKS() {
		args.Hostname = host
		args.Port = port
	}
	args.Dial = t.dialFunc(&tunnel{t: t, d: d, target: target, header: h}, timeout)
	return args, nil
}

// Connect opens a raw tunnel to target through d.
func (t *Transport) Connect(ctx context.Context, target string, header http.Header, d *ProxyDescriptor, timeout time.Duration) (net.Conn, error) {
	args, err := t.BuildConnectArgs(target, header, d, timeout)
	if err != nil {
		return nil, err
	}
	return args.Dial(ctx)
}

// Dialer adapts Connect to the dialer.Dialer interface.
func (t *Transport) Dialer(d *ProxyDescriptor, timeout time.Duration) dialer.Dialer {
	return &tunnelDialer{t: t, d: d, timeout: timeout}
}

type tunnelDialer struct {
	t       *Transport
	d       *ProxyDescriptor
	timeout time.Duration
}

func (td *tunnelDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("transport %s dial %s %s: unsupported network", td.t.kind.Name, network, address)
	}
	return td.t.Connect(ctx, address, nil, td.d, td.timeout)
}

// Fingerprint fetches rawURL through d as a fingerprint check and parses
// the answer with the kind's parser.
func (t *Transport) Fingerprint(ctx context.Context, d *ProxyDescriptor, rawURL string, timeout time.Duration) (*fingerprint.Fingerprint, error) {
	req, err := NewRequest(http.MethodGet, rawURL, http.Header{"User-Agent": []string{fingerprint.DefaultUserAgent}}, timeout)
	if err != nil {
		return nil, err
	}
	args, err := t.BuildFingerprintRequestArgs(req, d)
	if err != nil {
		return nil, err
	}

	resp, err := args.Do(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFingerprintBody))
	if err != nil {
		return nil, classify("read", args.Addr(), err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &UpstreamConnectError{StatusCode: resp.StatusCode, Message: msg}
	}
	return t.kind.parseFingerprint(body)
}

// ParseFingerprint decodes a fingerprint check response body.
func (t *Transport) ParseFingerprint(body []byte) (*fingerprint.Fingerprint, error) {
	return t.kind.parseFingerprint(body)
}

func (t *Transport) dialFunc(tn *tunnel, timeout time.Duration) func(ctx context.Context) (net.Conn, error) {
	return func(ctx context.Context) (net.Conn, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		// Each dial gets its own layers.
		run := *tn
		run.layers = nil
		return run.dial(ctx)
	}
}

func targetPort(u *url.URL, secure bool) (int, error) {
	p := u.Port()
	if p == "" {
		if secure {
			return 443, nil
		}
		return 80, nil
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, configErrorf("url", "invalid port %q", p)
	}
	return port, nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}
