package proxy

import (
	"fmt"
	"net"
	"strings"

	"github.com/yl2chen/cidranger"
)

// AllowList admits clients whose address falls in one of its networks.
// A nil *AllowList admits everyone.
type AllowList struct {
	ranger cidranger.Ranger
	cidrs  []string
}

// ParseAllowList builds an AllowList from CIDRs or bare IP addresses.
// An empty list returns nil.
func ParseAllowList(cidrs []string) (*AllowList, error) {
	if len(cidrs) == 0 {
		return nil, nil
	}

	a := &AllowList{ranger: cidranger.NewPCTrieRanger()}
	for _, s := range cidrs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("allow list: invalid address %q", s)
			}
			if ip.To4() != nil {
				s += "/32"
			} else {
				s += "/128"
			}
		}
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("allow list: %w", err)
		}
		if err := a.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			return nil, fmt.Errorf("allow list %s: %w", s, err)
		}
		a.cidrs = append(a.cidrs, ipnet.String())
	}
	if len(a.cidrs) == 0 {
		return nil, nil
	}
	return a, nil
}

// Allowed reports whether addr may connect.
func (a *AllowList) Allowed(addr net.Addr) bool {
	if a == nil {
		return true
	}
	return a.AllowedIP(addrIP(addr))
}

// AllowedIP reports whether ip may connect. A nil ip is refused.
func (a *AllowList) AllowedIP(ip net.IP) bool {
	if a == nil {
		return true
	}
	if ip == nil {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	ok, err := a.ranger.Contains(ip)
	return err == nil && ok
}

func (a *AllowList) String() string {
	if a == nil {
		return "any"
	}
	return strings.Join(a.cidrs, ",")
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case nil:
		return nil
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	return hostIP(addr.String())
}

func hostIP(hostport string) net.IP {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	return net.ParseIP(host)
}
