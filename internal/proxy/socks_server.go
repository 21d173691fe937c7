package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/die-net/switchyard/internal/dialer"
	"github.com/die-net/switchyard/internal/resolver"
	"github.com/die-net/switchyard/internal/sockets"
	"github.com/die-net/switchyard/internal/socks"
)

var (
	// ErrNotAllowed is reported for clients outside the allow list.
	ErrNotAllowed = errors.New("client address not allowed")

	// ErrServerClosed is returned by Listen after Close.
	ErrServerClosed = errors.New("socks server closed")
)

// Phase is where a SOCKS connection is in its handshake.
type Phase int

const (
	PhaseAwaitingHandshake Phase = iota
	PhaseAwaitingAuthMethodChoice
	PhaseAwaitingAuthCredentials
	PhaseAwaitingConnectRequest
	PhaseParsingRequest
	PhaseResolving
	PhaseConnecting
	PhaseRelaying
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingHandshake:
		return "awaiting-handshake"
	case PhaseAwaitingAuthMethodChoice:
		return "awaiting-auth-method"
	case PhaseAwaitingAuthCredentials:
		return "awaiting-auth-credentials"
	case PhaseAwaitingConnectRequest:
		return "awaiting-connect-request"
	case PhaseParsingRequest:
		return "parsing-request"
	case PhaseResolving:
		return "resolving"
	case PhaseConnecting:
		return "connecting"
	case PhaseRelaying:
		return "relaying"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ConnState describes one accepted SOCKS client. Hooks and Conns get copies.
type ConnState struct {
	ID            uuid.UUID
	Version       string // "4", "4a" or "5"; empty before the first byte
	Phase         Phase
	Target        string // host:port
	UserID        string // SOCKS4 user id or SOCKS5 username
	Authenticated bool
	RemoteAddr    net.Addr
}

// Hooks observe connection events. Any of them may be nil. They run on the
// connection's goroutine and must not block.
type Hooks struct {
	OnError   func(ConnState, error)
	OnLookup  func(ConnState, string)
	OnConnect func(ConnState, string)
	OnClose   func(ConnState)
}

// SOCKSServer serves SOCKS4, SOCKS4a and SOCKS5 CONNECT.
//
// Each accepted connection runs on its own goroutine: handshake, request,
// upstream dial through Config.Dialer, then a relay. Client sockets are
// tracked in the server's Registry.
type SOCKSServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg     Config
	hooks   Hooks
	reg     *sockets.Registry
	res     resolver.Resolver
	log     *zap.Logger
	metrics *serverMetrics

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	conns  map[uuid.UUID]*ConnState
	wg     sync.WaitGroup
}

// NewSOCKSServer returns a server; call Listen, then Serve. Canceling ctx
// aborts in-flight dials and relays but does not stop the listener.
func NewSOCKSServer(ctx context.Context, cfg Config, hooks Hooks) *SOCKSServer {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	reg := cfg.Registry
	if reg == nil {
		reg = sockets.NewRegistry()
	}
	res := cfg.Resolver
	if res == nil {
		res = resolver.System{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewTaggedDirectDialer(dialer.Config{
			NegotiationTimeout: cfg.NegotiationTimeout,
			KeepAlive:          cfg.KeepAlive,
			Registry:           reg,
		}, "socks:upstream")
	}

	return &SOCKSServer{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		hooks:   hooks,
		reg:     reg,
		res:     res,
		log:     cfg.logger().With(zap.String("server", "socks")),
		metrics: newServerMetrics("socks"),
		conns:   make(map[uuid.UUID]*ConnState),
	}
}

// Listen binds addr and returns the bound port. Port 0 picks an ephemeral
// one.
func (s *SOCKSServer) Listen(addr string) (int, error) {
	ln, err := Listen(s.cfg, addr)
	if err != nil {
		return 0, fmt.Errorf("socks listen: %w", err)
	}

	s.mu.Lock()
	switch {
	case s.closed:
		err = ErrServerClosed
	case s.ln != nil:
		err = errors.New("socks listen: already listening")
	default:
		s.ln = ln
	}
	s.mu.Unlock()

	if err != nil {
		_ = ln.Close()
		return 0, err
	}
	return s.Port(), nil
}

// Port returns the bound port, or 0 before Listen.
func (s *SOCKSServer) Port() int {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return 0
	}
	if ta, ok := ln.Addr().(*net.TCPAddr); ok {
		return ta.Port
	}
	return 0
}

// Registry returns the registry that tracks the server's sockets.
func (s *SOCKSServer) Registry() *sockets.Registry {
	return s.reg
}

// Serve accepts connections until Close. It returns nil after Close.
func (s *SOCKSServer) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("socks serve: not listening")
	}

	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("socks accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handleConn(c)
		}()
	}
}

// Close stops the listener, force-closes every socket in the Registry and
// waits for the connection goroutines to return.
func (s *SOCKSServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	s.cancel()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.reg.CloseAll()
	s.wg.Wait()
	return err
}

// Conns returns a snapshot of the open connections.
func (s *SOCKSServer) Conns() []ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ConnState, 0, len(s.conns))
	for _, st := range s.conns {
		out = append(out, *st)
	}
	return out
}

// Stats returns the server's counters.
func (s *SOCKSServer) Stats() Stats {
	return s.metrics.stats()
}

// Describe implements prometheus.Collector.
func (s *SOCKSServer) Describe(ch chan<- *prometheus.Desc) {
	s.metrics.Describe(ch)
}

// Collect implements prometheus.Collector.
func (s *SOCKSServer) Collect(ch chan<- prometheus.Metric) {
	s.metrics.Collect(ch)
}

func (s *SOCKSServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SOCKSServer) handleConn(raw net.Conn) {
	s.metrics.accepted.Inc()

	// With a PROXY protocol listener this reads the header, so it stays off
	// the accept loop.
	st := &ConnState{ID: uuid.New(), RemoteAddr: raw.RemoteAddr()}

	if !s.cfg.Allow.Allowed(st.RemoteAddr) {
		_ = raw.Close()
		s.metrics.failed.Inc()
		s.fail(st, fmt.Errorf("socks %s: %w", st.RemoteAddr, ErrNotAllowed))
		return
	}

	conn, err := s.reg.Track(raw, "socks:client")
	if err != nil {
		_ = raw.Close()
		s.metrics.failed.Inc()
		s.fail(st, fmt.Errorf("socks track: %w", err))
		return
	}
	defer conn.Close()

	s.metrics.active.Inc()
	defer s.metrics.active.Dec()

	// Close may have run CloseAll before Track.
	if s.ctx.Err() != nil {
		s.metrics.failed.Inc()
		return
	}

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	br := bufio.NewReader(conn)
	ver, err := socks.ReadVersion(br)
	if errors.Is(err, io.EOF) {
		// Gone before the first byte.
		s.metrics.failed.Inc()
		s.debug("socks client closed before handshake", st, err)
		return
	}

	s.track(st, conn)
	if err != nil {
		s.metrics.failed.Inc()
		s.fail(st, err)
		return
	}

	var up net.Conn
	if ver == socks.Version5 {
		up, err = s.handshake5(st, br, conn)
	} else {
		up, err = s.handshake4(st, br, conn)
	}
	if err != nil {
		s.metrics.failed.Inc()
		s.fail(st, err)
		return
	}

	_ = conn.SetDeadline(time.Time{})
	if s.cfg.IdleTimeout > 0 {
		conn.SetIdleTimeout(s.cfg.IdleTimeout)
	}
	s.update(st, func(st *ConnState) { st.Phase = PhaseRelaying })

	sent, received, err := CopyBidirectional(s.ctx, &bufferedConn{Conn: conn, r: br}, up)
	s.metrics.sent.Add(sent)
	s.metrics.received.Add(received)
	if err != nil {
		s.debug("socks relay", st, err)
	}
}

func (s *SOCKSServer) handshake5(st *ConnState, br *bufio.Reader, conn net.Conn) (net.Conn, error) {
	s.update(st, func(st *ConnState) {
		st.Version = "5"
		st.Phase = PhaseAwaitingAuthMethodChoice
	})

	if err := socks.ServerSelectMethod(br, conn, s.cfg.Auth); err != nil {
		return nil, err
	}
	if s.cfg.Auth.Enabled() {
		s.update(st, func(st *ConnState) { st.Phase = PhaseAwaitingAuthCredentials })
		if err := socks.ServerAuthenticate(br, conn, s.cfg.Auth); err != nil {
			return nil, err
		}
		s.update(st, func(st *ConnState) {
			st.UserID = s.cfg.Auth.Username
			st.Authenticated = true
		})
	}

	s.update(st, func(st *ConnState) { st.Phase = PhaseAwaitingConnectRequest })
	req, err := socks.ReadRequest5(br, conn)
	if err != nil {
		return nil, err
	}
	s.update(st, func(st *ConnState) { st.Target = req.Address() })

	if req.Cmd != socks.CmdConnect {
		socks.WriteCommandNotSupported5(conn, req.Atyp)
		return nil, socks.NewProtocolError(socks.Version5, "request",
			fmt.Errorf("%w: 0x%02x", socks.ErrCommandNotSupported, req.Cmd))
	}

	up, err := s.connect(st, req.Address())
	if err != nil {
		return nil, err
	}
	if err := socks.WriteConnectSuccess5(conn, req); err != nil {
		_ = up.Close()
		return nil, err
	}
	return up, nil
}

func (s *SOCKSServer) handshake4(st *ConnState, br *bufio.Reader, conn net.Conn) (net.Conn, error) {
	s.update(st, func(st *ConnState) {
		st.Version = "4"
		st.Phase = PhaseParsingRequest
	})

	req, err := socks.ReadRequest4(br, conn)
	if err != nil {
		return nil, err
	}
	s.update(st, func(st *ConnState) {
		if req.IsV4a() {
			st.Version = "4a"
		}
		st.UserID = req.UserID
		st.Target = req.Address()
	})

	if req.Cmd != socks.CmdConnect {
		socks.WriteReject4(conn)
		return nil, socks.NewProtocolError(socks.Version4, "request",
			fmt.Errorf("%w: 0x%02x", socks.ErrCommandNotSupported, req.Cmd))
	}

	if req.IsV4a() {
		s.update(st, func(st *ConnState) { st.Phase = PhaseResolving })
		if s.hooks.OnLookup != nil {
			s.hooks.OnLookup(s.snapshot(st), req.Domain)
		}

		ip, err := s.lookup(req.Domain)
		if err != nil {
			socks.WriteReject4(conn)
			return nil, fmt.Errorf("socks4a lookup %s: %w", req.Domain, err)
		}
		req.IP = ip
		s.update(st, func(st *ConnState) { st.Target = req.Address() })
	}

	up, err := s.connect(st, req.Address())
	if err != nil {
		return nil, err
	}
	if err := socks.WriteReply4(conn, socks.Reply4Granted, req.Port, req.IP); err != nil {
		_ = up.Close()
		return nil, err
	}
	return up, nil
}

func (s *SOCKSServer) lookup(host string) (net.IP, error) {
	ctx := s.ctx
	if s.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
		defer cancel()
	}
	return s.res.LookupIPv4(ctx, host)
}

func (s *SOCKSServer) connect(st *ConnState, target string) (net.Conn, error) {
	s.update(st, func(st *ConnState) { st.Phase = PhaseConnecting })
	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(s.snapshot(st), target)
	}

	ctx := s.ctx
	if s.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
		defer cancel()
	}

	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("socks connect %s: %w", target, err)
	}
	return up, nil
}

// track adds st to the connection map until conn closes.
func (s *SOCKSServer) track(st *ConnState, conn *sockets.Conn) {
	s.mu.Lock()
	s.conns[st.ID] = st
	s.mu.Unlock()

	conn.OnClose(func() {
		s.mu.Lock()
		st.Phase = PhaseClosed
		final := *st
		delete(s.conns, st.ID)
		s.mu.Unlock()

		if s.hooks.OnClose != nil {
			s.hooks.OnClose(final)
		}
	})
}

func (s *SOCKSServer) update(st *ConnState, fn func(*ConnState)) {
	s.mu.Lock()
	fn(st)
	s.mu.Unlock()
}

func (s *SOCKSServer) snapshot(st *ConnState) ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *st
}

func (s *SOCKSServer) fail(st *ConnState, err error) {
	if s.hooks.OnError != nil {
		s.hooks.OnError(s.snapshot(st), err)
	}
	s.debug("socks connection failed", st, err)
}

func (s *SOCKSServer) debug(msg string, st *ConnState, err error) {
	if !s.cfg.Verbose {
		return
	}
	snap := s.snapshot(st)
	s.log.Debug(msg,
		zap.Stringer("id", snap.ID),
		zap.Stringer("remote", addrStringer{snap.RemoteAddr}),
		zap.String("version", snap.Version),
		zap.Stringer("phase", snap.Phase),
		zap.String("target", snap.Target),
		zap.Error(err),
	)
}

// bufferedConn reads through the bufio.Reader that parsed the handshake so
// that bytes the client pipelined after its request are not lost.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

type addrStringer struct {
	addr net.Addr
}

func (a addrStringer) String() string {
	if a.addr == nil {
		return ""
	}
	return a.addr.String()
}
