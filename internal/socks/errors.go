package socks

import (
	"errors"
	"fmt"
)

var (
	ErrVersion             = errors.New("unsupported version")
	ErrNoAcceptableMethods = errors.New("no acceptable methods")
	ErrAuthFailed          = errors.New("authentication failed")
	ErrAddressType         = errors.New("unknown address type")
	ErrBoundExceeded       = errors.New("field exceeds length bound")
	ErrEmptyDomain         = errors.New("empty domain")
	ErrCommandNotSupported = errors.New("command not supported")
)

// ProtocolError reports malformed or unsupported client input.
type ProtocolError struct {
	Version byte   // 4 or 5, or the offending byte for a bad handshake
	Op      string // handshake, negotiate, auth, request
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("socks%d %s: %v", e.Version, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError returns a *ProtocolError for op on a SOCKS version.
func NewProtocolError(version byte, op string, err error) error {
	return protoErr(version, op, err)
}

func protoErr(version byte, op string, err error) error {
	return &ProtocolError{Version: version, Op: op, Err: err}
}
