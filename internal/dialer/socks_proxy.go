package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/die-net/switchyard/internal/socks"
)

// SOCKSProxyDialer dials through an upstream SOCKS4, SOCKS4a or SOCKS5
// proxy.
type SOCKSProxyDialer struct {
	cfg       Config
	version   byte
	proxyAddr string
	auth      socks.Auth
	direct    Dialer
}

// NewSOCKS5ProxyDialer returns a dialer for a SOCKS5 proxy at proxyAddr.
// Username/password auth is offered when user is non-empty.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, user, pass string) *SOCKSProxyDialer {
	return newSOCKSProxyDialer(cfg, socks.Version5, proxyAddr, socks.Auth{Username: user, Password: pass})
}

// NewSOCKS4ProxyDialer returns a dialer for a SOCKS4 proxy at proxyAddr.
// userID is sent as the SOCKS4 user id. Hostname targets use SOCKS4a.
func NewSOCKS4ProxyDialer(cfg Config, proxyAddr, userID string) *SOCKSProxyDialer {
	return newSOCKSProxyDialer(cfg, socks.Version4, proxyAddr, socks.Auth{Username: userID})
}

func newSOCKSProxyDialer(cfg Config, version byte, proxyAddr string, auth socks.Auth) *SOCKSProxyDialer {
	return &SOCKSProxyDialer{
		cfg:       cfg,
		version:   version,
		proxyAddr: proxyAddr,
		auth:      auth,
		direct:    NewTaggedDirectDialer(cfg, "socks-proxy"),
	}
}

func (f *SOCKSProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("socks proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks proxy: %w", err)
	}

	if err := Handshake(ctx, c, f.version, f.auth, address, f.cfg.NegotiationTimeout); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks proxy dial %s %s: %w", network, address, err)
	}
	return c, nil
}

// Handshake runs a SOCKS client handshake on c requesting a CONNECT to
// address. For SOCKS4, auth.Username is the user id.
func Handshake(ctx context.Context, c net.Conn, version byte, auth socks.Auth, address string, timeout time.Duration) error {
	if timeout > 0 {
		_ = c.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	var err error
	switch version {
	case socks.Version4:
		err = socks.ClientDial4(c, auth.Username, address)
	case socks.Version5:
		err = socks.ClientDial5(c, auth, address)
	default:
		err = fmt.Errorf("unsupported socks version %d", version)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}

	if !stop() {
		return ctx.Err()
	}
	_ = c.SetDeadline(time.Time{})
	return nil
}
