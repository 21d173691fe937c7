package dialer

import (
	"context"
	"fmt"
	"net"
)

// DirectDialer dials targets without an upstream proxy.
type DirectDialer struct {
	cfg Config
	tag string
}

func NewDirectDialer(cfg Config) *DirectDialer {
	return NewTaggedDirectDialer(cfg, "direct")
}

// NewTaggedDirectDialer returns a DirectDialer whose sockets are tracked
// under tag when cfg.Registry is set.
func NewTaggedDirectDialer(cfg Config, tag string) *DirectDialer {
	return &DirectDialer{cfg: cfg, tag: tag}
}

func (f *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dd := net.Dialer{
		Timeout:         f.cfg.DialTimeout,
		KeepAliveConfig: f.cfg.KeepAlive,
		Control:         controlFunc(f.cfg),
	}

	conn, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	if f.cfg.Registry == nil {
		return conn, nil
	}
	tc, err := f.cfg.Registry.Track(conn, f.tag)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return tc, nil
}
