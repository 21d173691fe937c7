package dialer

import (
	"net"
	"time"

	"github.com/die-net/switchyard/internal/sockets"
)

type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	// Mark sets SO_MARK on outbound sockets (Linux only, 0 disables).
	Mark int
	// Interface binds outbound sockets to a network device (Linux only).
	Interface string

	// Registry, when set, tracks every outbound socket.
	Registry *sockets.Registry
}
