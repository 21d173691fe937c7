package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Request is one outbound call to be routed through an upstream proxy.
type Request struct {
	Method string
	URL    *url.URL
	// Header is sent to the target.
	Header http.Header
	// ConnectHeader is sent to the proxy with CONNECT.
	ConnectHeader http.Header
	Timeout       time.Duration
}

// NewRequest parses rawURL, which must be an absolute http or https URL.
func NewRequest(method, rawURL string, header http.Header, timeout time.Duration) (*Request, error) {
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ConfigError{Field: "url", Err: err}
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, configErrorf("url", "not an absolute url: %q", rawURL)
	}
	if header == nil {
		header = make(http.Header)
	}
	return &Request{
		Method:        method,
		URL:           u,
		Header:        header,
		ConnectHeader: make(http.Header),
		Timeout:       timeout,
	}, nil
}

// RequestArgs are the connection parameters for one outbound request:
// where to connect, what to send, and how to open the connection.
type RequestArgs struct {
	Method string
	// Hostname and Port are the first hop: the proxy, or the target when
	// the upstream is SOCKS.
	Hostname string
	Port     int
	// Path is absolute-form when the request goes to an HTTP proxy as is,
	// otherwise origin-form.
	Path    string
	Host    string
	Header  http.Header
	Timeout time.Duration

	// Dial opens the connection the request is written to. Every socket it
	// opens is tracked; on error nothing it opened stays open.
	Dial func(ctx context.Context) (net.Conn, error)
}

// Addr returns the first hop as host:port.
func (a *RequestArgs) Addr() string {
	return net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
}

// Do dials, writes the request with body and reads the response. Timeout,
// when set, bounds the whole exchange including reading the body. Closing
// the response body closes the connection.
func (a *RequestArgs) Do(ctx context.Context, body io.Reader) (*http.Response, error) {
	return a.do(ctx, body, -1)
}

// do is Do with a known body length. contentLength < 0 leaves the length to
// net/http.
func (a *RequestArgs) do(ctx context.Context, body io.Reader, contentLength int64) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if a.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
	}

	absolute := !strings.HasPrefix(a.Path, "/")
	var (
		u   *url.URL
		err error
	)
	if absolute {
		u, err = url.Parse(a.Path)
	} else {
		u, err = url.ParseRequestURI(a.Path)
	}
	if err != nil {
		cancel()
		return nil, &ConfigError{Field: "path", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, a.Method, u.String(), body)
	if err != nil {
		cancel()
		return nil, &ConfigError{Field: "request", Err: err}
	}
	req.URL = u
	req.Host = a.Host
	if contentLength >= 0 && body != nil {
		req.ContentLength = contentLength
	}
	req.Header = a.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Close = true

	conn, err := a.Dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	fail := func(op string, err error) (*http.Response, error) {
		stop()
		_ = conn.Close()
		defer cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, classify(op, a.Addr(), err)
	}

	if absolute {
		err = req.WriteProxy(conn)
	} else {
		err = req.Write(conn)
	}
	if err != nil {
		return fail("write", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return fail("read", err)
	}
	resp.Body = &connBody{ReadCloser: resp.Body, conn: conn, stop: stop, cancel: cancel}
	return resp, nil
}

// connBody closes the request's connection along with the response body.
type connBody struct {
	io.ReadCloser
	conn   net.Conn
	stop   func() bool
	cancel context.CancelFunc
}

func (b *connBody) Close() error {
	b.stop()
	err := b.ReadCloser.Close()
	_ = b.conn.Close()
	b.cancel()
	return err
}
