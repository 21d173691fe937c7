package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	b := <-accepted
	if b == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestCopyBidirectionalClosesBoth(t *testing.T) {
	t.Parallel()

	client, left := tcpPair(t)
	right, upstream := tcpPair(t)

	type result struct {
		sent, received int64
		err            error
	}
	done := make(chan result, 1)
	go func() {
		s, r, err := CopyBidirectional(context.Background(), left, right)
		done <- result{s, r, err}
	}()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(upstream, buf); err != nil {
		t.Fatal(err)
	}
	if _, err := upstream.Write([]byte("pong!")); err != nil {
		t.Fatal(err)
	}
	buf = make([]byte, 5)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatal(err)
	}

	// Ending one direction tears down the other.
	_ = client.Close()

	_ = upstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := upstream.Read(buf); err != io.EOF {
		t.Fatalf("upstream read = %v, want EOF", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.sent != 4 || res.received != 5 {
		t.Fatalf("sent %d received %d", res.sent, res.received)
	}
}

func TestCopyBidirectionalContextCancel(t *testing.T) {
	t.Parallel()

	client, left := tcpPair(t)
	right, upstream := tcpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := CopyBidirectional(ctx, left, right)
		done <- err
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay survived cancellation")
	}

	buf := make([]byte, 1)
	for _, c := range []net.Conn{client, upstream} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.Read(buf); err != io.EOF {
			t.Fatalf("read = %v, want EOF", err)
		}
	}
}
