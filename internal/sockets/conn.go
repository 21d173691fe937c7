package sockets

import (
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is a net.Conn owned by a Registry.
//
// Close closes the underlying socket, removes the Conn from its Registry and
// runs the OnClose hooks. All three happen at most once no matter how many
// times Close is called or from where.
type Conn struct {
	net.Conn

	reg *Registry
	tag string

	once     sync.Once
	closeErr error
	closed   atomic.Bool

	mu    sync.Mutex
	hooks []func()

	idle       atomic.Int64
	lastActive atomic.Int64
}

// Tag returns the diagnostic tag Conn was tracked under.
func (c *Conn) Tag() string {
	return c.tag
}

// Closed reports whether Close has run.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// OnClose registers fn to run once when c closes. If c is already closed fn
// runs immediately.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if !c.closed.Load() {
		c.hooks = append(c.hooks, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// SetIdleTimeout closes c once no bytes have been read or written for d.
// A zero d disables it. While set, it owns the read and write deadlines.
func (c *Conn) SetIdleTimeout(d time.Duration) {
	c.idle.Store(int64(d))
	c.touch()
	if d <= 0 {
		_ = c.Conn.SetDeadline(time.Time{})
	}
}

func (c *Conn) Read(b []byte) (int, error) {
	for {
		idle := time.Duration(c.idle.Load())
		if idle > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(idle))
		}

		n, err := c.Conn.Read(b)
		if n > 0 {
			c.touch()
		}
		if err == nil || idle <= 0 || !errors.Is(err, os.ErrDeadlineExceeded) {
			return n, err
		}

		// The other direction may have been busy meanwhile.
		if n == 0 && time.Since(c.last()) < idle && !c.Closed() {
			continue
		}
		_ = c.Close()
		return n, err
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	idle := time.Duration(c.idle.Load())
	if idle > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(idle))
	}

	n, err := c.Conn.Write(b)
	if n > 0 {
		c.touch()
	}
	if err != nil && idle > 0 && errors.Is(err, os.ErrDeadlineExceeded) {
		_ = c.Close()
	}
	return n, err
}

// Close closes the socket and runs the close path exactly once.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.closeErr = c.Conn.Close()

		c.mu.Lock()
		c.closed.Store(true)
		hooks := c.hooks
		c.hooks = nil
		c.mu.Unlock()

		c.reg.Remove(c)
		for _, fn := range hooks {
			fn()
		}
	})
	return c.closeErr
}

// CloseWrite half-closes the underlying socket when it supports it.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// NetConn returns the wrapped socket.
func (c *Conn) NetConn() net.Conn {
	return c.Conn
}

func (c *Conn) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Conn) last() time.Time {
	return time.Unix(0, c.lastActive.Load())
}
