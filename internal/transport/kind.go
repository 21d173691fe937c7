package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/die-net/switchyard/internal/dialer"
	"github.com/die-net/switchyard/internal/fingerprint"
)

// PlatformErrorHeader carries error text from platform-operated proxies.
const PlatformErrorHeader = "X-Switchyard-Proxyerror"

// Connector is the configuration a connector hands to its transport. Only
// the fields a kind reads need to be set.
type Connector struct {
	Name string `toml:"name"`
	Kind string `toml:"kind"`

	// URL is the upstream proxy for the proxy and proxy-local kinds.
	URL string `toml:"url"`
	// Via chains the upstream behind another proxy URL.
	Via string `toml:"via"`

	Username string `toml:"username"`
	Password string `toml:"password"`
	Token    string `toml:"token"`

	Region    string `toml:"region"`
	Country   string `toml:"country"`
	State     string `toml:"state"`
	City      string `toml:"city"`
	ISP       string `toml:"isp"`
	OS        string `toml:"os"`
	ProxyType string `toml:"proxy_type"`
	Lifetime  string `toml:"lifetime"`
	Streaming bool   `toml:"streaming"`

	Hostname string `toml:"hostname"`
	Port     int    `toml:"port"`

	CertificateFile string `toml:"certificate_file"`
	KeyFile         string `toml:"key_file"`
	CAFile          string `toml:"ca_file"`
	// Certificate is filled from the *File fields by the config loader.
	Certificate *Certificate `toml:"-"`

	Ciphers    []string `toml:"ciphers"`
	TLSProfile string   `toml:"tls_profile"`
}

// Fetcher retrieves a descriptor from an external collaborator, for
// connectors whose upstream changes between sessions.
type Fetcher interface {
	FetchProxy(ctx context.Context, c *Connector, key string) (*ProxyDescriptor, error)
}

// Kind describes how one family of upstream proxies is addressed and
// authorized. The Transport engine is the same for every kind.
type Kind struct {
	Name string

	// Complete maps connector configuration to a descriptor. A nil Complete
	// defers to the Transport's Fetcher.
	Complete func(c *Connector, key string) (*ProxyDescriptor, error)

	// Authorize adds Proxy-Authorization and vendor headers for d to h.
	// Defaults to basicAuthorize.
	Authorize func(h http.Header, d *ProxyDescriptor)

	// ErrorHeaders name the response headers a failed CONNECT carries vendor
	// error text in, checked in order.
	ErrorHeaders []string

	// FingerprintConnectHeader is added to CONNECT requests of fingerprint
	// checks.
	FingerprintConnectHeader http.Header
	// FingerprintURL, when set, replaces the target of fingerprint checks.
	FingerprintURL string
	// ParseFingerprint decodes the body returned by a fingerprint check.
	// Defaults to the JSON encoding of fingerprint.Fingerprint.
	ParseFingerprint func(body []byte) (*fingerprint.Fingerprint, error)
}

func (k *Kind) authorize(h http.Header, d *ProxyDescriptor) {
	if k.Authorize != nil {
		k.Authorize(h, d)
		return
	}
	basicAuthorize(h, d)
}

func (k *Kind) errorHeaders() []string {
	if len(k.ErrorHeaders) > 0 {
		return k.ErrorHeaders
	}
	return []string{PlatformErrorHeader}
}

func (k *Kind) parseFingerprint(body []byte) (*fingerprint.Fingerprint, error) {
	if k.ParseFingerprint != nil {
		return k.ParseFingerprint(body)
	}
	var f fingerprint.Fingerprint
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("parse fingerprint: %w", err)
	}
	return &f, nil
}

// basicAuthorize sends the descriptor's token or username and password as
// HTTP Basic credentials.
func basicAuthorize(h http.Header, d *ProxyDescriptor) {
	switch {
	case d.Token != "":
		h.Set("Proxy-Authorization", "Basic "+d.Token)
	case d.Username != "":
		h.Set("Proxy-Authorization", dialer.BasicAuth(d.Username, d.Password))
	}
}

var kinds = map[string]Kind{}

// RegisterKind adds k to the table consulted by LookupKind. It panics on a
// duplicate name.
func RegisterKind(k Kind) {
	name := strings.ToLower(k.Name)
	if _, ok := kinds[name]; ok {
		panic("transport: duplicate kind " + k.Name)
	}
	kinds[name] = k
}

// LookupKind returns the kind registered under name.
func LookupKind(name string) (Kind, error) {
	k, ok := kinds[strings.ToLower(name)]
	if !ok {
		return Kind{}, configErrorf("kind", "unknown kind %q", name)
	}
	return k, nil
}

// KindNames returns the registered kind names, sorted.
func KindNames() []string {
	names := make([]string, 0, len(kinds))
	for n := range kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
