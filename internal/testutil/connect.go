package testutil

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
)

// ProxyOptions configures StartConnectProxy.
type ProxyOptions struct {
	// TLS, when set, makes the proxy speak TLS to its clients.
	TLS *tls.Config
	// Respond, when set, may return a response to send instead of handling
	// the request. Returning nil handles it normally.
	Respond func(*http.Request) *http.Response
}

// ConnectProxy is a minimal forward proxy: CONNECT requests are tunneled and
// absolute-form requests are forwarded to their origin.
type ConnectProxy struct {
	net.Listener

	opts ProxyOptions

	mu       sync.Mutex
	requests []*http.Request
}

func StartConnectProxy(t *testing.T, ctx context.Context, opts ProxyOptions) *ConnectProxy {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if opts.TLS != nil {
		ln = tls.NewListener(ln, opts.TLS)
	}
	context.AfterFunc(ctx, func() { _ = ln.Close() })

	p := &ConnectProxy{Listener: ln, opts: opts}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go p.handle(c)
		}
	}()
	return p
}

// Requests returns the requests received so far.
func (p *ConnectProxy) Requests() []*http.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*http.Request(nil), p.requests...)
}

func (p *ConnectProxy) handle(c net.Conn) {
	defer c.Close()

	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.opts.Respond != nil {
		if resp := p.opts.Respond(req); resp != nil {
			_ = resp.Write(c)
			return
		}
	}

	if req.Method != http.MethodConnect {
		p.forward(c, br, req)
		return
	}

	dst, err := net.Dial("tcp", req.Host)
	if err != nil {
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return
	}
	defer dst.Close()

	if _, err := io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	go func() {
		_, _ = io.Copy(dst, br)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}()
	_, _ = io.Copy(c, dst)
}

func (p *ConnectProxy) forward(c net.Conn, br *bufio.Reader, req *http.Request) {
	host := req.URL.Host
	if req.URL.Port() == "" {
		host = net.JoinHostPort(req.URL.Hostname(), "80")
	}
	dst, err := net.Dial("tcp", host)
	if err != nil {
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return
	}
	defer dst.Close()

	out := req.Clone(context.Background())
	out.RequestURI = ""
	out.Header.Del("Proxy-Authorization")
	if err := out.Write(dst); err != nil {
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(dst), out)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	_ = resp.Write(c)
}
