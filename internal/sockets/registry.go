package sockets

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrAlreadyTracked is returned when a socket is added twice to the same
	// Registry.
	ErrAlreadyTracked = errors.New("sockets: already tracked")

	// ErrForeignOwner is returned when a socket tracked by one Registry is
	// added to another.
	ErrForeignOwner = errors.New("sockets: owned by another registry")
)

// owners maps every tracked net.Conn to the Registry that owns it.
var owners sync.Map

// Registry tracks live sockets by diagnostic tag.
//
// Add and Remove are the only operations that mutate the set. CloseAll
// closes every socket and then removes it, so it is safe to call at any time,
// including while handshakes are in flight on tracked sockets.
type Registry struct {
	mu    sync.Mutex
	conns map[net.Conn]string

	desc *prometheus.Desc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[net.Conn]string),
		desc: prometheus.NewDesc(
			"switchyard_sockets_tracked",
			"Number of live sockets tracked by the registry.",
			[]string{"tag"}, nil,
		),
	}
}

// Add registers conn under tag.
func (r *Registry) Add(conn net.Conn, tag string) error {
	if conn == nil {
		return errors.New("sockets: nil conn")
	}
	if c, ok := conn.(*Conn); ok && c.reg != r {
		return ErrForeignOwner
	}

	if owner, loaded := owners.LoadOrStore(conn, r); loaded {
		if owner.(*Registry) == r {
			return ErrAlreadyTracked
		}
		return ErrForeignOwner
	}

	r.mu.Lock()
	r.conns[conn] = tag
	r.mu.Unlock()
	return nil
}

// Remove unregisters conn. It is a no-op if conn is not tracked by r.
func (r *Registry) Remove(conn net.Conn) {
	r.mu.Lock()
	_, ok := r.conns[conn]
	delete(r.conns, conn)
	r.mu.Unlock()

	if ok {
		owners.CompareAndDelete(conn, r)
	}
}

// Track wraps conn so that closing it removes it from r exactly once, and
// registers the wrapper under tag.
func (r *Registry) Track(conn net.Conn, tag string) (*Conn, error) {
	if c, ok := conn.(*Conn); ok {
		if c.reg != r {
			return nil, ErrForeignOwner
		}
		return nil, ErrAlreadyTracked
	}
	c := &Conn{Conn: conn, reg: r, tag: tag}
	if err := r.Add(c, tag); err != nil {
		return nil, err
	}
	return c, nil
}

// CloseAll force-closes every tracked socket and leaves the Registry empty.
// Close errors are ignored; sockets that were already closed are fine.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]net.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
		r.Remove(c)
	}
}

// Len returns the number of tracked sockets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Owns reports whether conn is tracked by r.
func (r *Registry) Owns(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[conn]
	return ok
}

// Tags returns the number of tracked sockets per tag.
func (r *Registry) Tags() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := make(map[string]int)
	for _, tag := range r.conns {
		m[tag]++
	}
	return m
}

// String returns a short diagnostic summary such as "3 sockets [socks-client:2 upstream:1]".
func (r *Registry) String() string {
	tags := r.Tags()
	names := make([]string, 0, len(tags))
	total := 0
	for t, n := range tags {
		names = append(names, fmt.Sprintf("%s:%d", t, n))
		total += n
	}
	sort.Strings(names)
	return fmt.Sprintf("%d sockets %v", total, names)
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.desc
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for tag, n := range r.Tags() {
		ch <- prometheus.MustNewConstMetric(r.desc, prometheus.GaugeValue, float64(n), tag)
	}
}
