// Package resolver resolves hostnames for SOCKS4a requests.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// ErrNotFound is returned when a name has no IPv4 address.
var ErrNotFound = errors.New("resolver: no A record")

// maxCNAMEDepth bounds CNAME chains followed by DNS.
const maxCNAMEDepth = 8

// Resolver looks up the IPv4 address of a host.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) (net.IP, error)
}

// System resolves through the host's configured resolver.
type System struct {
	Resolver *net.Resolver
}

// LookupIPv4 implements Resolver.
func (s System) LookupIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := literalIPv4(host); ip != nil {
		return ip, nil
	}

	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	ips, err := r.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("lookup %s: %w", host, ErrNotFound)
}

// DNS queries a single DNS server directly.
type DNS struct {
	// Server is host:port of the DNS server. Port 53 is assumed if missing.
	Server  string
	Net     string // "udp" (default) or "tcp"
	Timeout time.Duration
}

// LookupIPv4 implements Resolver. CNAME answers without an A record are
// followed up to a fixed depth.
func (d DNS) LookupIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := literalIPv4(host); ip != nil {
		return ip, nil
	}
	if host == "" {
		return nil, fmt.Errorf("lookup: %w", ErrNotFound)
	}

	server := d.Server
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	c := &dns.Client{Net: d.Net, Timeout: d.Timeout}

	name := dns.Fqdn(host)
	for depth := 0; depth <= maxCNAMEDepth; depth++ {
		m := new(dns.Msg)
		m.SetQuestion(name, dns.TypeA)

		r, _, err := c.ExchangeContext(ctx, m, server)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", host, err)
		}
		if r.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("lookup %s: %s: %w", host, dns.RcodeToString[r.Rcode], ErrNotFound)
		}

		var cname string
		for _, rr := range r.Answer {
			switch rr := rr.(type) {
			case *dns.A:
				return rr.A.To4(), nil
			case *dns.CNAME:
				if cname == "" {
					cname = rr.Target
				}
			}
		}
		if cname == "" {
			return nil, fmt.Errorf("lookup %s: %w", host, ErrNotFound)
		}
		name = dns.Fqdn(cname)
	}

	return nil, fmt.Errorf("lookup %s: too many CNAMEs", host)
}

func literalIPv4(host string) net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return ip.To4()
	}
	return nil
}
