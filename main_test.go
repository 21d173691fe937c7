package main

import (
	"context"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/die-net/switchyard/internal/config"
	"github.com/die-net/switchyard/internal/dialer"
	"github.com/die-net/switchyard/internal/testutil"
)

func TestParseTCPKeepAlive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    net.KeepAliveConfig
		wantErr bool
	}{
		{in: "on", want: net.KeepAliveConfig{Enable: true}},
		{in: " OFF ", want: net.KeepAliveConfig{}},
		{in: "45:30:3", want: net.KeepAliveConfig{Enable: true, Idle: 45 * time.Second, Interval: 30 * time.Second, Count: 3}},
		{in: "", wantErr: true},
		{in: "45:30", wantErr: true},
		{in: "0:30:3", wantErr: true},
		{in: "45:x:3", wantErr: true},
		{in: "45:30:-1", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseTCPKeepAlive(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTCPKeepAlive(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseTCPKeepAlive(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestApplyFileFlagsWin(t *testing.T) {
	t.Parallel()

	var o options
	fs := newFlagSet(&o)
	if err := fs.Parse([]string{"--socks-listen=127.0.0.1:1081", "--dial-timeout=1s"}); err != nil {
		t.Fatal(err)
	}

	f, err := config.Parse(`
[socks]
listen = "127.0.0.1:1080"
idle_timeout = "2m"
allow_cidrs = ["10.0.0.0/8"]

[http]
listen = "127.0.0.1:8080"

[dialer]
dial_timeout = "5s"
upstream = "socks5://127.0.0.1:9050"
`, "")
	if err != nil {
		t.Fatal(err)
	}
	o.applyFile(fs, f)

	if o.socksListen != "127.0.0.1:1081" || o.dialTimeout != time.Second {
		t.Fatalf("explicit flags were overridden: %q %v", o.socksListen, o.dialTimeout)
	}
	if o.httpListen != "127.0.0.1:8080" || o.idleTimeout != 2*time.Minute || o.upstream != "socks5://127.0.0.1:9050" {
		t.Fatalf("file values not applied: %+v", o)
	}
	if len(o.allowCIDRs) != 1 || o.allowCIDRs[0] != "10.0.0.0/8" {
		t.Fatalf("allowCIDRs = %v", o.allowCIDRs)
	}
	if o.negotiationTimeout != 10*time.Second {
		t.Fatalf("default negotiation timeout lost: %v", o.negotiationTimeout)
	}
}

func TestNewUpstreamConnector(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	up := testutil.StartConnectProxy(t, ctx, testutil.ProxyOptions{})

	f, err := config.Parse(`
[[connectors]]
name = "local"
kind = "proxy"
url = "http://`+up.Addr().String()+`"
`, "")
	if err != nil {
		t.Fatal(err)
	}

	o := options{upstream: "connector://local", dialTimeout: 2 * time.Second, negotiationTimeout: 2 * time.Second}
	u, err := newUpstream(ctx, o, f, dialer.Config{DialTimeout: 2 * time.Second}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	c, err := u.dialer.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("via connector"))

	if reqs := up.Requests(); len(reqs) != 1 || reqs[0].Method != "CONNECT" {
		t.Fatalf("proxy saw %v", reqs)
	}
}

func TestNewUpstreamConnectorForward(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/geo" {
			_, _ = io.WriteString(w, `{"ip":"203.0.113.7","countryCode":"NL"}`)
			return
		}
		_, _ = io.WriteString(w, "forwarded "+r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	up := testutil.StartConnectProxy(t, ctx, testutil.ProxyOptions{})
	f, err := config.Parse(`
[[connectors]]
name = "local"
kind = "proxy"
url = "http://u:p@`+up.Addr().String()+`"
`, "")
	if err != nil {
		t.Fatal(err)
	}

	core, logs := observer.New(zap.InfoLevel)
	o := options{
		upstream:           "connector://local",
		fingerprint:        origin.URL + "/geo",
		dialTimeout:        2 * time.Second,
		negotiationTimeout: 2 * time.Second,
	}
	u, err := newUpstream(ctx, o, f, dialer.Config{DialTimeout: 2 * time.Second}, zap.New(core))
	if err != nil {
		t.Fatal(err)
	}

	fps := logs.FilterMessage("upstream fingerprint").All()
	if len(fps) != 1 || fps[0].ContextMap()["ip"] != "203.0.113.7" || fps[0].ContextMap()["country"] != "NL" {
		t.Fatalf("fingerprint log = %+v", logs.All())
	}

	client := &http.Client{Transport: u.forward}
	resp, err := client.Get(origin.URL + "/page")
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "forwarded /page" {
		t.Fatalf("body = %q", body)
	}

	// Plain requests reach the proxy in absolute form with its credentials.
	reqs := up.Requests()
	if len(reqs) != 2 {
		t.Fatalf("proxy saw %d requests", len(reqs))
	}
	last := reqs[1]
	if last.Method != http.MethodGet || last.RequestURI != origin.URL+"/page" {
		t.Fatalf("proxy request = %s %s", last.Method, last.RequestURI)
	}
	if got := last.Header.Get("Proxy-Authorization"); got != dialer.BasicAuth("u", "p") {
		t.Fatalf("Proxy-Authorization = %q", got)
	}
}

func TestNewUpstreamErrors(t *testing.T) {
	t.Parallel()

	f, err := config.Parse("[[connectors]]\nname = \"z\"\nkind = \"zyte\"\n", "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		upstream string
		file     *config.File
		want     string
	}{
		{name: "no config", upstream: "connector://z", want: "needs --config"},
		{name: "unknown connector", upstream: "connector://nope", file: f, want: "unknown connector"},
		{name: "incomplete connector", upstream: "CONNECTOR://z", file: f, want: "token"},
		{name: "bad scheme", upstream: "ftp://example.com", want: "scheme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			o := options{upstream: tt.upstream}
			_, err := newUpstream(context.Background(), o, tt.file, dialer.Config{}, zap.NewNop())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestIngressCertificate(t *testing.T) {
	t.Parallel()

	cert, err := ingressCertificate(options{httpsListen: "127.0.0.1:8443"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := leaf.VerifyHostname("127.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if err := leaf.VerifyHostname("localhost"); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	own := testutil.SelfSignedCert(t, "proxy.example")
	certFile := filepath.Join(dir, "proxy.pem")
	keyFile := filepath.Join(dir, "proxy.key")
	if err := os.WriteFile(certFile, []byte(own.CertPEM), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, []byte(own.KeyPEM), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := ingressCertificate(options{httpsCertFile: certFile, httpsKeyFile: keyFile}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if string(loaded.Certificate[0]) != string(own.TLS.Certificate[0]) {
		t.Fatal("loaded a different certificate")
	}

	if _, err := ingressCertificate(options{httpsCertFile: certFile, httpsKeyFile: certFile}, zap.NewNop()); err == nil {
		t.Fatal("expected an error for a certificate used as its own key")
	}
}
