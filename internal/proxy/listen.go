package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
)

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies keepAliveConfig to accepted TCP connections.
func ListenTCP(network, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return &KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// Listen is ListenTCP configured from cfg. With cfg.ProxyProtocol set, every
// accepted connection must start with a PROXY protocol header and reports
// the address carried in it as its RemoteAddr.
func Listen(cfg Config, addr string) (net.Listener, error) {
	ln, err := ListenTCP("tcp", addr, cfg.KeepAlive)
	if err != nil {
		return nil, err
	}
	if !cfg.ProxyProtocol {
		return ln, nil
	}
	return NewProxyProtocolListener(ln, cfg.NegotiationTimeout), nil
}

// NewProxyProtocolListener wraps ln so that accepted connections require a
// PROXY protocol v1 or v2 header. The header is read lazily, on the first
// Read or RemoteAddr call, bounded by headerTimeout when positive.
func NewProxyProtocolListener(ln net.Listener, headerTimeout time.Duration) net.Listener {
	return &proxyproto.Listener{
		Listener: ln,
		Policy: func(net.Addr) (proxyproto.Policy, error) {
			return proxyproto.REQUIRE, nil
		},
		ReadHeaderTimeout: headerTimeout,
	}
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	tc, ok := conn.(*net.TCPConn)
	if ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return conn, nil
}
