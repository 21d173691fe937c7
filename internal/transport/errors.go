package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ConfigError reports connector or request configuration that cannot be used.
// It is always returned before any network I/O.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("transport config: %v", e.Err)
	}
	return fmt.Sprintf("transport config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// UpstreamConnectError reports a non-200 answer from an upstream proxy. Message
// is the vendor error text when the upstream supplied one, else the status
// text.
type UpstreamConnectError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("upstream connect: %d %s", e.StatusCode, e.Message)
}

// SocketError reports a network failure on one leg of a tunnel.
type SocketError struct {
	Op   string // dial, tls, connect, socks
	Addr string
	Err  error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *SocketError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that a leg of a tunnel timed out.
type TimeoutError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transport %s %s: timeout: %v", e.Op, e.Addr, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

func (e *TimeoutError) Timeout() bool {
	return true
}

// classify wraps err from op against addr into the error taxonomy. Errors
// that already belong to it pass through unchanged.
func classify(op, addr string, err error) error {
	if err == nil {
		return nil
	}

	var (
		uce *UpstreamConnectError
		se  *SocketError
		te  *TimeoutError
		ce  *ConfigError
	)
	if errors.As(err, &uce) || errors.As(err, &se) || errors.As(err, &te) || errors.As(err, &ce) {
		return err
	}

	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &TimeoutError{Op: op, Addr: addr, Err: err}
	}
	return &SocketError{Op: op, Addr: addr, Err: err}
}

// StatusCode maps err to the HTTP status an ingress should answer with.
func StatusCode(err error) int {
	var uce *UpstreamConnectError
	if errors.As(err, &uce) {
		return uce.StatusCode
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
