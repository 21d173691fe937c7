package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"github.com/txthinking/socks5"
	netproxy "golang.org/x/net/proxy"

	"github.com/die-net/switchyard/internal/dialer"
	"github.com/die-net/switchyard/internal/resolver"
	"github.com/die-net/switchyard/internal/socks"
	"github.com/die-net/switchyard/internal/testutil"
)

func startSOCKS(t *testing.T, cfg Config, hooks Hooks) *SOCKSServer {
	t.Helper()

	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = 2 * time.Second
	}
	srv := NewSOCKSServer(context.Background(), cfg, hooks)
	if _, err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	t.Cleanup(func() {
		_ = srv.Close()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return srv
}

func dialSOCKS(t *testing.T, srv *SOCKSServer) net.Conn {
	t.Helper()

	c, err := net.DialTimeout("tcp", socksAddr(srv), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func socksAddr(srv *SOCKSServer) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port()))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// expectClosed reads until the peer closes, failing on any byte.
func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	if n > 0 {
		t.Fatalf("unexpected bytes % x", buf[:n])
	}
	if err == nil {
		t.Fatal("expected close")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection was not closed")
	}
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	return buf
}

// recorder captures hook calls in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
	states []ConnState
	closed chan ConnState
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan ConnState, 64)}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnError: func(st ConnState, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "error")
			r.errs = append(r.errs, err)
			r.states = append(r.states, st)
		},
		OnLookup: func(st ConnState, host string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "lookup:"+host)
			r.states = append(r.states, st)
		},
		OnConnect: func(st ConnState, target string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "connect:"+target)
			r.states = append(r.states, st)
		},
		OnClose: func(st ConnState) {
			r.closed <- st
		},
	}
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) waitClose(t *testing.T) ConnState {
	t.Helper()
	select {
	case st := <-r.closed:
		return st
	case <-time.After(3 * time.Second):
		t.Fatal("OnClose not called")
		return ConnState{}
	}
}

type stubResolver map[string]net.IP

func (r stubResolver) LookupIPv4(_ context.Context, host string) (net.IP, error) {
	if ip, ok := r[host]; ok {
		return ip, nil
	}
	return nil, resolver.ErrNotFound
}

func TestSOCKS5ConnectDirect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	srv := startSOCKS(t, Config{}, Hooks{})

	client, err := socks5.NewClient(socksAddr(srv), "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}

	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("hello"))
}

func TestSOCKS5Auth(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	rec := newRecorder()
	srv := startSOCKS(t, Config{Auth: socks.Auth{Username: "user", Password: "secret"}}, rec.hooks())

	tests := []struct {
		name    string
		auth    *netproxy.Auth
		wantErr bool
	}{
		{name: "valid", auth: &netproxy.Auth{User: "user", Password: "secret"}},
		{name: "wrong password", auth: &netproxy.Auth{User: "user", Password: "nope"}, wantErr: true},
		{name: "no credentials", auth: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := netproxy.SOCKS5("tcp", socksAddr(srv), tt.auth, netproxy.Direct)
			if err != nil {
				t.Fatal(err)
			}
			c, err := d.Dial("tcp", echoLn.Addr().String())
			if tt.wantErr {
				if err == nil {
					c.Close()
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()
			testutil.AssertEcho(t, c, c, []byte("authenticated"))

			waitFor(t, "connection state", func() bool {
				for _, st := range srv.Conns() {
					if st.Authenticated && st.UserID == "user" && st.Phase == PhaseRelaying {
						return true
					}
				}
				return false
			})
		})
	}
}

func TestSOCKS5NoAcceptableMethods(t *testing.T) {
	rec := newRecorder()
	srv := startSOCKS(t, Config{Auth: socks.Auth{Username: "user", Password: "secret"}}, rec.hooks())
	c := dialSOCKS(t, srv)

	// Only "no authentication" offered.
	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	if got := readN(t, c, 2); !bytes.Equal(got, []byte{0x05, 0xff}) {
		t.Fatalf("reply = % x, want 05 ff", got)
	}
	expectClosed(t, c)

	st := rec.waitClose(t)
	if st.Version != "5" || st.Phase != PhaseClosed {
		t.Fatalf("closed state = %+v", st)
	}
	waitFor(t, "empty registry", func() bool { return srv.Registry().Len() == 0 })

	errs := rec.Errs()
	if len(errs) != 1 || !errors.Is(errs[0], socks.ErrNoAcceptableMethods) {
		t.Fatalf("errors = %v", errs)
	}
}

func TestSOCKS5EmptyMethodList(t *testing.T) {
	for _, auth := range []socks.Auth{{}, {Username: "user", Password: "secret"}} {
		rec := newRecorder()
		srv := startSOCKS(t, Config{Auth: auth}, rec.hooks())
		c := dialSOCKS(t, srv)

		if _, err := c.Write([]byte{0x05, 0x00}); err != nil {
			t.Fatal(err)
		}
		if got := readN(t, c, 2); !bytes.Equal(got, []byte{0x05, 0xff}) {
			t.Fatalf("auth=%v: reply = % x, want 05 ff", auth.Enabled(), got)
		}
		expectClosed(t, c)
		rec.waitClose(t)
	}
}

func TestSOCKS5UnsupportedCommand(t *testing.T) {
	rec := newRecorder()
	srv := startSOCKS(t, Config{}, rec.hooks())
	c := dialSOCKS(t, srv)

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	readN(t, c, 2)

	// BIND 127.0.0.1:80
	if _, err := c.Write([]byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}); err != nil {
		t.Fatal(err)
	}
	reply := readN(t, c, 10)
	if reply[0] != 0x05 || reply[1] != 0x01 {
		t.Fatalf("reply = % x, want 05 01 ...", reply)
	}
	expectClosed(t, c)
	rec.waitClose(t)

	errs := rec.Errs()
	var pe *socks.ProtocolError
	if len(errs) != 1 || !errors.As(errs[0], &pe) || !errors.Is(errs[0], socks.ErrCommandNotSupported) {
		t.Fatalf("errors = %v", errs)
	}
	for _, ev := range rec.Events() {
		if ev != "error" {
			t.Fatalf("unexpected event %q", ev)
		}
	}
}

func TestSOCKSBadVersion(t *testing.T) {
	rec := newRecorder()
	srv := startSOCKS(t, Config{}, rec.hooks())
	c := dialSOCKS(t, srv)

	if _, err := c.Write([]byte{0x06, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, c)
	rec.waitClose(t)

	errs := rec.Errs()
	var pe *socks.ProtocolError
	if len(errs) != 1 || !errors.As(errs[0], &pe) || !errors.Is(errs[0], socks.ErrVersion) {
		t.Fatalf("errors = %v", errs)
	}
}

func socks4Request(port uint16, ip net.IP, userID, domain string) []byte {
	b := []byte{0x04, 0x01, 0, 0}
	binary.BigEndian.PutUint16(b[2:], port)
	b = append(b, ip.To4()...)
	b = append(b, userID...)
	b = append(b, 0)
	if domain != "" {
		b = append(b, domain...)
		b = append(b, 0)
	}
	return b
}

func TestSOCKS4Connect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	echoAddr := echoLn.Addr().(*net.TCPAddr)

	rec := newRecorder()
	srv := startSOCKS(t, Config{}, rec.hooks())
	c := dialSOCKS(t, srv)

	if _, err := c.Write(socks4Request(uint16(echoAddr.Port), echoAddr.IP, "alice", "")); err != nil {
		t.Fatal(err)
	}
	reply := readN(t, c, 8)
	if reply[0] != 0x00 || reply[1] != socks.Reply4Granted {
		t.Fatalf("reply = % x", reply)
	}
	if port := binary.BigEndian.Uint16(reply[2:4]); int(port) != echoAddr.Port {
		t.Fatalf("echoed port = %d", port)
	}
	if !net.IP(reply[4:8]).Equal(echoAddr.IP) {
		t.Fatalf("echoed ip = %v", net.IP(reply[4:8]))
	}

	testutil.AssertEcho(t, c, c, []byte("socks4"))

	conns := srv.Conns()
	if len(conns) != 1 || conns[0].Version != "4" || conns[0].UserID != "alice" {
		t.Fatalf("Conns() = %+v", conns)
	}
}

func TestSOCKS4aResolvesBeforeConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	echoAddr := echoLn.Addr().(*net.TCPAddr)

	rec := newRecorder()
	srv := startSOCKS(t, Config{
		Resolver: stubResolver{"echo.test": net.IPv4(127, 0, 0, 1)},
	}, rec.hooks())
	c := dialSOCKS(t, srv)

	req := socks4Request(uint16(echoAddr.Port), net.IPv4(0, 0, 0, 1), "", "echo.test")
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}
	reply := readN(t, c, 8)
	if reply[1] != socks.Reply4Granted {
		t.Fatalf("reply = % x", reply)
	}
	if !net.IP(reply[4:8]).Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("reply address = %v, want the resolved address", net.IP(reply[4:8]))
	}

	testutil.AssertEcho(t, c, c, []byte("socks4a"))

	events := rec.Events()
	want := []string{"lookup:echo.test", "connect:" + echoAddr.String()}
	if len(events) != 2 || events[0] != want[0] || events[1] != want[1] {
		t.Fatalf("events = %v, want %v", events, want)
	}
	if st := srv.Conns(); len(st) != 1 || st[0].Version != "4a" {
		t.Fatalf("Conns() = %+v", st)
	}
}

func TestSOCKS4aLookupFailure(t *testing.T) {
	rec := newRecorder()
	srv := startSOCKS(t, Config{Resolver: stubResolver{}}, rec.hooks())
	c := dialSOCKS(t, srv)

	if _, err := c.Write(socks4Request(80, net.IPv4(0, 0, 0, 1), "", "missing.test")); err != nil {
		t.Fatal(err)
	}
	if reply := readN(t, c, 8); reply[1] != socks.Reply4Rejected {
		t.Fatalf("reply = % x, want 00 5b", reply)
	}
	expectClosed(t, c)
	rec.waitClose(t)

	events := rec.Events()
	if len(events) != 2 || events[0] != "lookup:missing.test" || events[1] != "error" {
		t.Fatalf("events = %v", events)
	}
	if errs := rec.Errs(); !errors.Is(errs[0], resolver.ErrNotFound) {
		t.Fatalf("error = %v", errs[0])
	}
}

func TestSOCKS4UserIDOverrun(t *testing.T) {
	rec := newRecorder()
	srv := startSOCKS(t, Config{}, rec.hooks())
	c := dialSOCKS(t, srv)

	req := []byte{0x04, 0x01, 0x00, 0x50, 127, 0, 0, 1}
	req = append(req, bytes.Repeat([]byte("a"), socks.MaxUserID+16)...)
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}
	if reply := readN(t, c, 8); reply[1] != socks.Reply4Rejected {
		t.Fatalf("reply = % x, want 00 5b", reply)
	}
	rec.waitClose(t)

	errs := rec.Errs()
	var pe *socks.ProtocolError
	if len(errs) != 1 || !errors.As(errs[0], &pe) || !errors.Is(errs[0], socks.ErrBoundExceeded) {
		t.Fatalf("errors = %v", errs)
	}
}

func TestSOCKSUpstreamFailureSendsNoReply(t *testing.T) {
	// Reserve a port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	target := ln.Addr().String()
	_ = ln.Close()

	rec := newRecorder()
	srv := startSOCKS(t, Config{}, rec.hooks())
	c := dialSOCKS(t, srv)

	if err := socks.ClientNegotiate(c, socks.Auth{}); err != nil {
		t.Fatal(err)
	}
	host, port, _ := net.SplitHostPort(target)
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, net.ParseIP(host).To4()...)
	p, _ := net.LookupPort("tcp", port)
	req = binary.BigEndian.AppendUint16(req, uint16(p))
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}

	expectClosed(t, c)
	rec.waitClose(t)

	events := rec.Events()
	if len(events) != 2 || events[0] != "connect:"+target || events[1] != "error" {
		t.Fatalf("events = %v", events)
	}
	if st := srv.Stats(); st.Failed != 1 {
		t.Fatalf("Failed = %d", st.Failed)
	}
}

func TestSOCKSPingPong(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "PING" {
			return
		}
		_, _ = c.Write([]byte("PONG"))
		_, _ = io.Copy(io.Discard, c)
	})
	defer wait()

	srv := startSOCKS(t, Config{}, Hooks{})
	c := dialSOCKS(t, srv)
	if err := socks.ClientDial5(c, socks.Auth{}, upLn.Addr().String()); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Write([]byte("PING")); err != nil {
		t.Fatal(err)
	}
	if got := readN(t, c, 4); string(got) != "PONG" {
		t.Fatalf("got %q", got)
	}
	_ = c.Close()

	waitFor(t, "empty registry", func() bool { return srv.Registry().Len() == 0 })
}

func TestSOCKSRelayLargeRandom(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	srv := startSOCKS(t, Config{}, Hooks{})
	c := dialSOCKS(t, srv)
	_ = c.SetDeadline(time.Now().Add(20 * time.Second))

	if err := socks.ClientDial5(c, socks.Auth{}, echoLn.Addr().String()); err != nil {
		t.Fatal(err)
	}

	payload := make([]byte, 5<<20)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	werr := make(chan error, 1)
	go func() {
		_, err := c.Write(payload)
		werr <- err
	}()

	got := readN(t, c, len(payload))
	if err := <-werr; err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("relayed bytes differ")
	}

	_ = c.Close()
	waitFor(t, "relay to finish", func() bool { return srv.Stats().Active == 0 })

	st := srv.Stats()
	if st.BytesSent != int64(len(payload)) || st.BytesReceived != int64(len(payload)) {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSOCKSCloseAllDuringHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	rec := newRecorder()
	srv := startSOCKS(t, Config{}, rec.hooks())

	// Stop halfway through the greeting.
	c := dialSOCKS(t, srv)
	if _, err := c.Write([]byte{0x05, 0x02}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "handshake in progress", func() bool {
		conns := srv.Conns()
		return len(conns) == 1 && conns[0].Phase == PhaseAwaitingAuthMethodChoice
	})

	srv.Registry().CloseAll()
	if n := srv.Registry().Len(); n != 0 {
		t.Fatalf("Len() = %d after CloseAll", n)
	}
	expectClosed(t, c)
	rec.waitClose(t)

	// The server keeps serving.
	c2 := dialSOCKS(t, srv)
	if err := socks.ClientDial5(c2, socks.Auth{}, echoLn.Addr().String()); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c2, c2, []byte("still here"))
}

func TestSOCKSCloseEndsRelays(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	srv := NewSOCKSServer(ctx, Config{NegotiationTimeout: 2 * time.Second}, Hooks{})
	if _, err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	c := dialSOCKS(t, srv)
	if err := socks.ClientDial5(c, socks.Auth{}, echoLn.Addr().String()); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("before close"))

	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Serve() = %v", err)
	}
	expectClosed(t, c)
	if n := srv.Registry().Len(); n != 0 {
		t.Fatalf("Len() = %d after Close", n)
	}
	if _, err := srv.Listen("127.0.0.1:0"); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("Listen after Close = %v", err)
	}
}

func TestSOCKSIdleTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	rec := newRecorder()
	srv := startSOCKS(t, Config{IdleTimeout: 100 * time.Millisecond}, rec.hooks())
	c := dialSOCKS(t, srv)

	if err := socks.ClientDial5(c, socks.Auth{}, echoLn.Addr().String()); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("then silence"))

	expectClosed(t, c)
	rec.waitClose(t)
	waitFor(t, "empty registry", func() bool { return srv.Registry().Len() == 0 })
}

func TestSOCKSAllowList(t *testing.T) {
	allow, err := ParseAllowList([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}

	rec := newRecorder()
	srv := startSOCKS(t, Config{Allow: allow}, rec.hooks())
	c := dialSOCKS(t, srv)
	expectClosed(t, c)

	waitFor(t, "OnError", func() bool { return len(rec.Errs()) == 1 })
	if err := rec.Errs()[0]; !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("error = %v", err)
	}
	if len(srv.Conns()) != 0 {
		t.Fatal("rejected client has connection state")
	}
}

func TestSOCKSProxyProtocol(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	allow, err := ParseAllowList([]string{"192.0.2.0/24"})
	if err != nil {
		t.Fatal(err)
	}

	srv := startSOCKS(t, Config{ProxyProtocol: true, Allow: allow}, Hooks{})
	c := dialSOCKS(t, srv)

	src := &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 5555}
	dst := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: srv.Port()}
	if _, err := proxyproto.HeaderProxyFromAddrs(1, src, dst).WriteTo(c); err != nil {
		t.Fatal(err)
	}

	if err := socks.ClientDial5(c, socks.Auth{}, echoLn.Addr().String()); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("behind a balancer"))

	conns := srv.Conns()
	if len(conns) != 1 || conns[0].RemoteAddr.String() != src.String() {
		t.Fatalf("Conns() = %+v, want remote %s", conns, src)
	}
}

func TestSOCKSUpstreamDialer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	up := testutil.StartConnectProxy(t, ctx, testutil.ProxyOptions{})

	d, err := dialer.New(dialer.Config{DialTimeout: 2 * time.Second}, "http://"+up.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	srv := startSOCKS(t, Config{Dialer: d}, Hooks{})
	c := dialSOCKS(t, srv)
	if err := socks.ClientDial5(c, socks.Auth{}, echoLn.Addr().String()); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("chained"))

	reqs := up.Requests()
	if len(reqs) != 1 || reqs[0].Host != echoLn.Addr().String() {
		t.Fatalf("upstream requests = %v", reqs)
	}
}
