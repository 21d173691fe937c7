package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/die-net/switchyard/internal/dialer"
	"github.com/die-net/switchyard/internal/socks"
)

type tunnelState int

const (
	stateConnectingProxy tunnelState = iota
	stateTunnelEstablished
	stateTLSHandshaking
	stateReady
)

func (s tunnelState) String() string {
	switch s {
	case stateConnectingProxy:
		return "connecting-proxy"
	case stateTunnelEstablished:
		return "tunnel-established"
	case stateTLSHandshaking:
		return "tls-handshaking"
	case stateReady:
		return "ready"
	default:
		return fmt.Sprintf("tunnelState(%d)", int(s))
	}
}

// tunnel builds one connection through d. Every layer it opens is tracked
// and appended to layers so that a failure at any step can close them all.
type tunnel struct {
	t *Transport
	d *ProxyDescriptor

	// target is the CONNECT or SOCKS destination. Empty means the
	// connection to the proxy itself is the result.
	target string
	header http.Header
	// tlsHost, when set, is the target host a TLS session is started with
	// once the tunnel is up.
	tlsHost string

	state  tunnelState
	layers []net.Conn
}

func (tn *tunnel) dial(ctx context.Context) (net.Conn, error) {
	c, err := tn.run(ctx)
	if err != nil {
		tn.unwind()
		tn.t.log.Debug("tunnel failed",
			zap.String("kind", tn.t.kind.Name),
			zap.String("proxy", tn.d.Address.String()),
			zap.String("target", tn.target),
			zap.Stringer("state", tn.state),
			zap.Error(err))
		return nil, err
	}
	tn.t.log.Debug("tunnel ready",
		zap.String("kind", tn.t.kind.Name),
		zap.String("proxy", tn.d.Address.String()),
		zap.String("target", tn.target),
		zap.Int("layers", len(tn.layers)))
	return c, nil
}

func (tn *tunnel) run(ctx context.Context) (net.Conn, error) {
	tn.state = stateConnectingProxy
	c, err := tn.openProxy(ctx, tn.d, "proxy")
	if err != nil {
		return nil, err
	}
	if tn.target == "" {
		tn.state = stateReady
		return c, nil
	}

	c, err = tn.handshake(ctx, c, tn.d, tn.target, tn.header, tn.t.kind.errorHeaders())
	if err != nil {
		return nil, err
	}
	tn.state = stateTunnelEstablished
	if tn.tlsHost == "" {
		tn.state = stateReady
		return c, nil
	}

	tn.state = stateTLSHandshaking
	hc, err := targetTLS(c, tn.tlsHost, tn.d)
	if err != nil {
		return nil, err
	}
	tc, err := tn.track(hc, "target-tls")
	if err != nil {
		return nil, err
	}
	if err := hc.HandshakeContext(ctx); err != nil {
		return nil, classify("tls", tn.target, err)
	}
	tn.state = stateReady
	return tc, nil
}

// openProxy returns a connection that speaks to d: dialed directly, or
// tunneled through d.Via, and wrapped in TLS when d asks for it.
func (tn *tunnel) openProxy(ctx context.Context, d *ProxyDescriptor, role string) (net.Conn, error) {
	addr := d.Address.String()

	var c net.Conn
	if d.Via == nil {
		raw, err := dialer.NewTaggedDirectDialer(tn.t.cfg.Dialer, tn.t.tag(role)).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, classify("dial", addr, err)
		}
		tn.layers = append(tn.layers, raw)
		c = raw
	} else {
		outer, err := tn.openProxy(ctx, d.Via, "via")
		if err != nil {
			return nil, err
		}
		h := make(http.Header)
		basicAuthorize(h, d.Via)
		if c, err = tn.handshake(ctx, outer, d.Via, addr, h, []string{PlatformErrorHeader}); err != nil {
			return nil, err
		}
	}

	if !d.usesTLS() {
		return c, nil
	}
	cfg, err := d.proxyTLSConfig()
	if err != nil {
		return nil, err
	}
	tc := tls.Client(c, cfg)
	wrapped, err := tn.track(tc, role+"-tls")
	if err != nil {
		return nil, err
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, classify("tls", addr, err)
	}
	return wrapped, nil
}

// handshake asks the proxy d, reached over c, to connect to target.
func (tn *tunnel) handshake(ctx context.Context, c net.Conn, d *ProxyDescriptor, target string, header http.Header, errHeaders []string) (net.Conn, error) {
	timeout := tn.t.cfg.Dialer.NegotiationTimeout
	addr := d.Address.String()

	switch d.Type {
	case TypeHTTP, TypeHTTPS:
		conn, err := dialer.Connect(ctx, c, target, header, timeout)
		if err != nil {
			var ce *dialer.ConnectError
			if errors.As(err, &ce) {
				return nil, parseBodyError(ce, errHeaders)
			}
			return nil, classify("connect", addr, err)
		}
		return conn, nil
	case TypeSOCKS4:
		if err := dialer.Handshake(ctx, c, socks.Version4, socks.Auth{Username: d.Username}, target, timeout); err != nil {
			return nil, classify("socks", addr, err)
		}
		return c, nil
	case TypeSOCKS5:
		if err := dialer.Handshake(ctx, c, socks.Version5, socks.Auth{Username: d.Username, Password: d.Password}, target, timeout); err != nil {
			return nil, classify("socks", addr, err)
		}
		return c, nil
	default:
		return nil, configErrorf("proxy.type", "unsupported proxy type %q", d.Type)
	}
}

// track registers c under role and records it as a layer. Without a
// registry c is only recorded.
func (tn *tunnel) track(c net.Conn, role string) (net.Conn, error) {
	reg := tn.t.cfg.Dialer.Registry
	if reg == nil {
		tn.layers = append(tn.layers, c)
		return c, nil
	}
	tc, err := reg.Track(c, tn.t.tag(role))
	if err != nil {
		_ = c.Close()
		return nil, classify("track", "", err)
	}
	tn.layers = append(tn.layers, tc)
	return tc, nil
}

// unwind closes every layer, outermost first.
func (tn *tunnel) unwind() {
	for i := len(tn.layers) - 1; i >= 0; i-- {
		_ = tn.layers[i].Close()
	}
	tn.layers = nil
}
