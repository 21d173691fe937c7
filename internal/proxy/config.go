package proxy

import (
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/switchyard/internal/dialer"
	"github.com/die-net/switchyard/internal/resolver"
	"github.com/die-net/switchyard/internal/sockets"
	"github.com/die-net/switchyard/internal/socks"
)

type Config struct {
	NegotiationTimeout time.Duration
	// IdleTimeout closes a relay after no bytes moved in either direction
	// for this long. Zero disables it.
	IdleTimeout      time.Duration
	HTTPIdleTimeout  time.Duration
	HTTPMaxIdleConns int

	KeepAlive net.KeepAliveConfig
	// ProxyProtocol requires a PROXY protocol header on every accepted
	// connection.
	ProxyProtocol bool

	Dialer dialer.Dialer
	// Forward carries non-CONNECT HTTP requests. When nil, an http.Transport
	// over Dialer does.
	Forward http.RoundTripper

	// Registry tracks client sockets. A server creates its own when nil.
	Registry *sockets.Registry
	// Resolver resolves SOCKS4a domains. Defaults to resolver.System.
	Resolver resolver.Resolver
	// Auth enables SOCKS5 username/password authentication.
	Auth socks.Auth
	// Allow restricts client addresses. nil allows everyone.
	Allow *AllowList

	Logger  *zap.Logger
	Verbose bool
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
