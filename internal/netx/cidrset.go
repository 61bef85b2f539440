// Package netx holds the trusted-proxy address matching used by the rate
// limiter's client IP resolution: X-Forwarded-For is only believed when
// the transport peer is inside the configured set.
package netx

import (
	"fmt"
	"net"
	"strings"
)

// CIDRSet is an immutable set of networks built from config at startup.
type CIDRSet struct {
	nets []*net.IPNet
}

// ParseCIDRSet parses the server.trusted_proxies entries. A plain IP is
// shorthand for its /32 (or /128) network; blank entries are skipped.
func ParseCIDRSet(items []string) (*CIDRSet, error) {
	set := &CIDRSet{}
	for _, raw := range items {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("invalid ip: %q", s)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			s = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", s, err)
		}
		set.nets = append(set.nets, n)
	}
	return set, nil
}

// Contains reports whether ip falls inside any configured network. A nil
// or empty set trusts nothing.
func (s *CIDRSet) Contains(ip net.IP) bool {
	if s == nil || len(s.nets) == 0 || ip == nil {
		return false
	}
	for _, n := range s.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
