package transport

import (
	"net/http"
	"time"
)

// RoundTripper sends plain requests through one upstream proxy with
// BuildRequestArgs: absolute-form to HTTP proxies, through a CONNECT or
// SOCKS tunnel otherwise. Every request gets its own connection.
type RoundTripper struct {
	t       *Transport
	d       *ProxyDescriptor
	timeout time.Duration
}

// RoundTripper returns an http.RoundTripper that routes through d. timeout
// bounds opening the connection, not the exchange.
func (t *Transport) RoundTripper(d *ProxyDescriptor, timeout time.Duration) *RoundTripper {
	return &RoundTripper{t: t, d: d, timeout: timeout}
}

// RoundTrip implements http.RoundTripper.
func (rt *RoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.URL == nil {
		closeBody(r)
		return nil, configErrorf("request", "missing request url")
	}
	u := *r.URL
	u.User = nil
	if r.Host != "" {
		u.Host = r.Host
	}

	req := &Request{
		Method:        r.Method,
		URL:           &u,
		Header:        r.Header.Clone(),
		ConnectHeader: make(http.Header),
		Timeout:       rt.timeout,
	}
	args, err := rt.t.BuildRequestArgs(req, rt.d)
	if err != nil {
		closeBody(r)
		return nil, err
	}
	// Dial already carries the timeout; the exchange is bounded by r's context.
	args.Timeout = 0

	resp, err := args.do(r.Context(), r.Body, r.ContentLength)
	if err != nil {
		closeBody(r)
		return nil, err
	}
	resp.Request = r
	return resp, nil
}

func closeBody(r *http.Request) {
	if r.Body != nil {
		_ = r.Body.Close()
	}
}
