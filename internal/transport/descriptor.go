package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/die-net/switchyard/internal/dialer"
	"github.com/die-net/switchyard/internal/fingerprint"
)

// ProxyType is the protocol spoken by an upstream proxy.
type ProxyType string

const (
	TypeHTTP   ProxyType = "http"
	TypeHTTPS  ProxyType = "https"
	TypeSOCKS4 ProxyType = "socks4"
	TypeSOCKS5 ProxyType = "socks5"
)

func (t ProxyType) isHTTP() bool {
	return t == TypeHTTP || t == TypeHTTPS
}

func (t ProxyType) isSOCKS() bool {
	return t == TypeSOCKS4 || t == TypeSOCKS5
}

// Address is a proxy hostname and port.
type Address struct {
	Hostname string
	Port     int
}

func (a Address) String() string {
	return net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
}

// Certificate is a PEM encoded client certificate presented to the proxy.
// CA is the only root trusted for the proxy's certificate. When empty, Cert
// itself is trusted.
type Certificate struct {
	Cert string
	Key  string
	CA   string
}

// ProxyDescriptor is everything needed to reach one upstream proxy session.
// Transports never modify a descriptor after CompleteProxyConfig returns it.
type ProxyDescriptor struct {
	// Key identifies the proxy session; vendors use it as a sticky session id.
	Key  string
	Type ProxyType

	Address  Address
	Username string
	Password string
	// Token is a pre-encoded credential sent as "Basic <token>".
	Token  string
	Region string

	Certificate *Certificate
	Fingerprint *fingerprint.Fingerprint

	// Ciphers overrides the cipher suites offered to the target.
	Ciphers []uint16
	// TLSProfile selects a browser ClientHello for the target handshake.
	TLSProfile string

	// Via is an outer proxy the connection to this one is tunneled through.
	Via *ProxyDescriptor
}

func (d *ProxyDescriptor) validate() error {
	if d == nil {
		return configErrorf("proxy", "missing descriptor")
	}
	switch d.Type {
	case TypeHTTP, TypeHTTPS, TypeSOCKS4, TypeSOCKS5:
	default:
		return configErrorf("proxy.type", "unsupported proxy type %q", d.Type)
	}
	if d.Address.Hostname == "" || d.Address.Port <= 0 || d.Address.Port > 65535 {
		return configErrorf("proxy.address", "invalid address %q", d.Address.String())
	}
	if d.Certificate != nil && !d.Type.isHTTP() {
		return configErrorf("proxy.certificate", "client certificates need an http(s) proxy")
	}
	if d.Via != nil {
		if !d.Via.Type.isHTTP() && !d.Via.Type.isSOCKS() {
			return configErrorf("proxy.via", "unsupported proxy type %q", d.Via.Type)
		}
		return d.Via.validate()
	}
	return nil
}

// usesTLS reports whether the connection to the proxy itself is TLS.
func (d *ProxyDescriptor) usesTLS() bool {
	return d.Type == TypeHTTPS || d.Certificate != nil
}

// proxyTLSConfig builds the TLS client config for the connection to the
// proxy, loading the client certificate when present.
func (d *ProxyDescriptor) proxyTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: d.Address.Hostname,
	}
	if d.Certificate == nil {
		return cfg, nil
	}

	cert, err := tls.X509KeyPair([]byte(d.Certificate.Cert), []byte(d.Certificate.Key))
	if err != nil {
		return nil, configErrorf("proxy.certificate", "load key pair: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}

	ca := d.Certificate.CA
	if ca == "" {
		ca = d.Certificate.Cert
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(ca)) {
		return nil, configErrorf("proxy.certificate", "no CA certificates in PEM")
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// ParseProxyURL parses "scheme://[user[:pass]@]host[:port]" into a
// descriptor. socks4a is accepted as an alias for socks4.
func ParseProxyURL(raw string) (*ProxyDescriptor, error) {
	if raw == "" {
		return nil, configErrorf("proxy.url", "empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ConfigError{Field: "proxy.url", Err: err}
	}
	if u.Path != "" && u.Path != "/" {
		return nil, configErrorf("proxy.url", "path should be empty")
	}

	scheme := strings.ToLower(u.Scheme)
	var typ ProxyType
	switch scheme {
	case "http":
		typ = TypeHTTP
	case "https":
		typ = TypeHTTPS
	case "socks4", "socks4a":
		typ = TypeSOCKS4
	case "socks5", "socks5h":
		typ = TypeSOCKS5
		scheme = "socks5"
	case "":
		return nil, configErrorf("proxy.url", "missing scheme in %q", raw)
	default:
		return nil, configErrorf("proxy.url", "unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, configErrorf("proxy.url", "missing host in %q", raw)
	}
	portStr := u.Port()
	if portStr == "" {
		portStr = dialer.DefaultPort(scheme)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, configErrorf("proxy.url", "invalid port %q", portStr)
	}

	d := &ProxyDescriptor{
		Type:    typ,
		Address: Address{Hostname: host, Port: port},
	}
	if u.User != nil {
		d.Username = u.User.Username()
		d.Password, _ = u.User.Password()
	}
	return d, nil
}

// ParseCiphers resolves cipher suite names as listed by tls.CipherSuites and
// tls.InsecureCipherSuites.
func ParseCiphers(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}

	known := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		known[cs.Name] = cs.ID
	}

	ids := make([]uint16, 0, len(names))
	var errs []error
	for _, n := range names {
		n = strings.TrimSpace(n)
		id, ok := known[strings.ToUpper(n)]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown cipher suite %q", n))
			continue
		}
		ids = append(ids, id)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, &ConfigError{Field: "ciphers", Err: err}
	}
	return ids, nil
}
