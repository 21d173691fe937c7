//go:build !linux

package dialer

import "syscall"

// SockoptsSupported reports whether Mark and Interface take effect.
const SockoptsSupported = false

func controlFunc(Config) func(network, address string, c syscall.RawConn) error {
	return nil
}
