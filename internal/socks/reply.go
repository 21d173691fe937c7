package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	Reply4Granted  byte = 0x5a
	Reply4Rejected byte = 0x5b
)

// WriteConnectSuccess5 acknowledges a CONNECT by echoing the original request
// with the status and reserved bytes zeroed.
func WriteConnectSuccess5(w io.Writer, req *Request5) error {
	if len(req.raw) < 4 {
		return errors.New("success reply: request was not read from the wire")
	}
	resp := make([]byte, len(req.raw))
	copy(resp, req.raw)
	resp[0] = Version5
	resp[1] = txsocks5.RepSuccess
	resp[2] = 0x00

	if _, err := w.Write(resp); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// WriteFailure5 writes a SOCKS5 reply with status rep and a zero bound
// address.
func WriteFailure5(w io.Writer, rep, atyp byte) {
	_, _ = newZeroAddrReply(rep, atyp).WriteTo(w)
}

// WriteCommandNotSupported5 writes the 05 01 reply used for BIND and
// UDP ASSOCIATE.
func WriteCommandNotSupported5(w io.Writer, atyp byte) {
	WriteFailure5(w, txsocks5.RepServerFailure, atyp)
}

// WriteReply4 writes the legacy 8-byte SOCKS4 reply.
func WriteReply4(w io.Writer, status byte, port uint16, ip net.IP) error {
	resp := make([]byte, 8)
	resp[1] = status
	binary.BigEndian.PutUint16(resp[2:4], port)
	if ip4 := ip.To4(); ip4 != nil {
		copy(resp[4:], ip4)
	}
	if _, err := w.Write(resp); err != nil {
		return fmt.Errorf("socks4 reply: %w", err)
	}
	return nil
}

// WriteReject4 writes the 00 5B general failure reply.
func WriteReject4(w io.Writer) {
	_ = WriteReply4(w, Reply4Rejected, 0, nil)
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(w io.Writer) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(w)
}

func writeUserPassStatus(w io.Writer, status byte) {
	_, _ = txsocks5.NewUserPassNegotiationReply(status).WriteTo(w)
}
