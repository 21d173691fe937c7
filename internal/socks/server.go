package socks

import (
	"bufio"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	Version4 byte = 0x04
	Version5 byte = txsocks5.Ver

	CmdConnect = txsocks5.CmdConnect

	// MaxUserID bounds the SOCKS4 user id, terminator included.
	MaxUserID = 1024
	// MaxUserIDAndDomain bounds the SOCKS4a user id and domain together,
	// both terminators included.
	MaxUserIDAndDomain = 2048

	userPassVersion byte = 0x01
)

// Auth configures optional username/password authentication for SOCKS5
// negotiation.
type Auth struct {
	Username string
	Password string
}

// Enabled reports whether credentials are configured.
func (a Auth) Enabled() bool {
	return a.Username != ""
}

// ReadVersion peeks at the first byte of a client connection and returns the
// SOCKS version it selects. The byte is left in br.
func ReadVersion(br *bufio.Reader) (byte, error) {
	b, err := br.Peek(1)
	if err != nil {
		return 0, err
	}
	switch b[0] {
	case Version4, Version5:
		return b[0], nil
	default:
		return b[0], protoErr(b[0], "handshake", fmt.Errorf("%w: 0x%02x", ErrVersion, b[0]))
	}
}

// ServerNegotiate runs SOCKS5 method selection and, when auth is enabled,
// the RFC 1929 username/password exchange.
func ServerNegotiate(r io.Reader, w io.Writer, auth Auth) error {
	if err := ServerSelectMethod(r, w, auth); err != nil {
		return err
	}
	if !auth.Enabled() {
		return nil
	}
	return ServerAuthenticate(r, w, auth)
}

// ServerSelectMethod reads the SOCKS5 greeting and picks a method.
//
// With credentials configured the client must offer method 0x02; without, it
// must offer 0x00. Otherwise, including an empty method list, 05 FF is
// written and an error returned.
func ServerSelectMethod(r io.Reader, w io.Writer, auth Auth) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return protoErr(Version5, "negotiate", err)
	}
	if hdr[0] != Version5 {
		return protoErr(hdr[0], "negotiate", fmt.Errorf("%w: 0x%02x", ErrVersion, hdr[0]))
	}
	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(r, methods); err != nil {
		return protoErr(Version5, "negotiate", err)
	}

	want := txsocks5.MethodNone
	if auth.Enabled() {
		want = txsocks5.MethodUsernamePassword
	}
	if !containsMethod(methods, want) {
		writeNoAcceptableMethods(w)
		return protoErr(Version5, "negotiate", ErrNoAcceptableMethods)
	}
	if _, err := txsocks5.NewNegotiationReply(want).WriteTo(w); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ServerAuthenticate runs the RFC 1929 exchange after method 0x02 was
// selected. Credentials are compared in constant time.
func ServerAuthenticate(r io.Reader, w io.Writer, auth Auth) error {
	return serverUserPass(r, w, auth)
}

func serverUserPass(r io.Reader, w io.Writer, auth Auth) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return protoErr(Version5, "auth", err)
	}
	if hdr[0] != userPassVersion {
		writeUserPassStatus(w, txsocks5.UserPassStatusFailure)
		return protoErr(Version5, "auth", fmt.Errorf("%w: 0x%02x", ErrVersion, hdr[0]))
	}

	uname := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(r, uname); err != nil {
		return protoErr(Version5, "auth", err)
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(r, plen); err != nil {
		return protoErr(Version5, "auth", err)
	}
	passwd := make([]byte, int(plen[0]))
	if _, err := io.ReadFull(r, passwd); err != nil {
		return protoErr(Version5, "auth", err)
	}

	userOK := subtle.ConstantTimeCompare(uname, []byte(auth.Username)) == 1
	passOK := subtle.ConstantTimeCompare(passwd, []byte(auth.Password)) == 1
	if !userOK || !passOK {
		writeUserPassStatus(w, txsocks5.UserPassStatusFailure)
		return ErrAuthFailed
	}

	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(w); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	return nil
}

// Request5 is a parsed SOCKS5 request.
type Request5 struct {
	Cmd  byte
	Atyp byte
	Host string
	Port uint16

	raw []byte
}

// Address returns the target as host:port.
func (r *Request5) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// ReadRequest5 parses a SOCKS5 request. A wrong version byte gets a 05 01
// reply; an unknown address type or a truncated address gets none.
func ReadRequest5(r io.Reader, w io.Writer) (*Request5, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, protoErr(Version5, "request", err)
	}
	if hdr[0] != Version5 {
		WriteFailure5(w, txsocks5.RepServerFailure, txsocks5.ATYPIPv4)
		return nil, protoErr(Version5, "request", fmt.Errorf("%w: 0x%02x", ErrVersion, hdr[0]))
	}

	req := &Request5{Cmd: hdr[1], Atyp: hdr[3]}

	var addr []byte
	switch req.Atyp {
	case txsocks5.ATYPIPv4:
		addr = make([]byte, net.IPv4len)
	case txsocks5.ATYPIPv6:
		addr = make([]byte, net.IPv6len)
	case txsocks5.ATYPDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(r, l); err != nil {
			return nil, protoErr(Version5, "request", err)
		}
		if l[0] == 0 {
			return nil, protoErr(Version5, "request", ErrEmptyDomain)
		}
		hdr = append(hdr, l[0])
		addr = make([]byte, int(l[0]))
	default:
		return nil, protoErr(Version5, "request", fmt.Errorf("%w: 0x%02x", ErrAddressType, req.Atyp))
	}

	rest := make([]byte, len(addr)+2)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, protoErr(Version5, "request", fmt.Errorf("read address: %w", err))
	}
	copy(addr, rest)

	if req.Atyp == txsocks5.ATYPDomain {
		req.Host = string(addr)
	} else {
		req.Host = net.IP(addr).String()
	}
	req.Port = binary.BigEndian.Uint16(rest[len(addr):])
	req.raw = append(hdr, rest...)

	return req, nil
}

// Request4 is a parsed SOCKS4 or SOCKS4a request.
type Request4 struct {
	Cmd    byte
	Port   uint16
	IP     net.IP // nil for SOCKS4a until resolved
	UserID string
	Domain string // set for SOCKS4a
}

// IsV4a reports whether the request carries a domain to resolve.
func (r *Request4) IsV4a() bool {
	return r.Domain != ""
}

// Address returns the target as host:port, preferring the resolved IP.
func (r *Request4) Address() string {
	host := r.Domain
	if r.IP != nil {
		host = r.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(r.Port)))
}

// ReadRequest4 parses a SOCKS4 or SOCKS4a request. The user id and domain
// scans are bounded; overrunning a bound, or a SOCKS4a request with an empty
// domain, gets a 00 5B reply and a *ProtocolError.
func ReadRequest4(br *bufio.Reader, w io.Writer) (*Request4, error) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, protoErr(Version4, "request", err)
	}
	if hdr[0] != Version4 {
		return nil, protoErr(Version4, "request", fmt.Errorf("%w: 0x%02x", ErrVersion, hdr[0]))
	}

	req := &Request4{
		Cmd:  hdr[1],
		Port: binary.BigEndian.Uint16(hdr[2:4]),
	}

	uid, err := readCString(br, MaxUserID)
	if err != nil {
		return nil, reject4(w, "user id", err)
	}
	req.UserID = uid

	ip := hdr[4:8]
	if ip[0] != 0 || ip[1] != 0 || ip[2] != 0 || ip[3] == 0 {
		req.IP = net.IPv4(ip[0], ip[1], ip[2], ip[3]).To4()
		return req, nil
	}

	domain, err := readCString(br, MaxUserIDAndDomain-len(uid)-1)
	if err != nil {
		return nil, reject4(w, "domain", err)
	}
	if domain == "" {
		return nil, reject4(w, "domain", ErrEmptyDomain)
	}
	req.Domain = domain

	return req, nil
}

func reject4(w io.Writer, field string, err error) error {
	WriteReject4(w)
	return protoErr(Version4, "request", fmt.Errorf("%s: %w", field, err))
}

// readCString reads a NUL-terminated string of at most limit bytes,
// terminator included.
func readCString(r io.ByteReader, limit int) (string, error) {
	buf := make([]byte, 0, 64)
	for len(buf) < limit {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
	return "", fmt.Errorf("%w (%d bytes)", ErrBoundExceeded, limit)
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
