package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// helloID maps a profile name to a uTLS ClientHello.
func helloID(profile string) (utls.ClientHelloID, error) {
	switch strings.ToLower(profile) {
	case "chrome":
		return utls.HelloChrome_Auto, nil
	case "firefox":
		return utls.HelloFirefox_Auto, nil
	case "ios":
		return utls.HelloIOS_Auto, nil
	case "safari":
		return utls.HelloSafari_Auto, nil
	case "edge":
		return utls.HelloEdge_Auto, nil
	case "android":
		return utls.HelloAndroid_11_OkHttp, nil
	case "golang":
		return utls.HelloGolang, nil
	case "random", "randomized":
		return utls.HelloRandomized, nil
	default:
		return utls.ClientHelloID{}, configErrorf("tls_profile", "unknown profile %q", profile)
	}
}

// serverName returns the SNI for host: empty for IP literals.
func serverName(host string) string {
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return ""
	}
	return host
}

// handshaker is the part of tls.Conn and utls.UConn the tunnel needs.
type handshaker interface {
	net.Conn
	HandshakeContext(ctx context.Context) error
}

// targetTLS wraps c in a TLS client for the target. Certificates are not
// verified since the path may be intercepted. A hello profile takes
// precedence over a cipher override; ciphers alone cap the version at TLS
// 1.2, where suites are configurable.
func targetTLS(c net.Conn, host string, d *ProxyDescriptor) (handshaker, error) {
	sni := serverName(host)

	if d.TLSProfile != "" {
		id, err := helloID(d.TLSProfile)
		if err != nil {
			return nil, err
		}
		return utls.UClient(c, &utls.Config{
			ServerName:         sni,
			InsecureSkipVerify: true, //nolint:gosec
		}, id), nil
	}

	cfg := &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: true, //nolint:gosec
	}
	if len(d.Ciphers) > 0 {
		cfg.CipherSuites = d.Ciphers
		cfg.MaxVersion = tls.VersionTLS12
	}
	return tls.Client(c, cfg), nil
}
