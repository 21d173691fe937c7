//go:build linux

package dialer

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// SockoptsSupported reports whether Mark and Interface take effect.
const SockoptsSupported = true

func controlFunc(cfg Config) func(network, address string, c syscall.RawConn) error {
	if cfg.Mark == 0 && cfg.Interface == "" {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if cfg.Mark != 0 {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, cfg.Mark); err != nil {
					ctrlErr = fmt.Errorf("set SO_MARK: %w", err)
					return
				}
			}
			if cfg.Interface != "" {
				if err := unix.BindToDevice(int(fd), cfg.Interface); err != nil {
					ctrlErr = fmt.Errorf("bind to device %s: %w", cfg.Interface, err)
				}
			}
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}
}
