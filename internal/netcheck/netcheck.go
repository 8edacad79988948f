// Package netcheck decides whether a client's network identifier places it
// on the same network as the teacher who opened the session.
package netcheck

import (
	"net/netip"
	"strings"

	"classattend/internal/attendance"
)

// SubnetChecker compares addresses by prefix: /24 for IPv4, /64 for IPv6.
type SubnetChecker struct {
	V4Bits int
	V6Bits int
}

// New returns a checker with the default prefix lengths.
func New() SubnetChecker {
	return SubnetChecker{V4Bits: 24, V6Bits: 64}
}

// Allow reports whether clientID is on the session's network. Identifiers
// that are not IP addresses only match exactly.
func (c SubnetChecker) Allow(s attendance.Session, clientID string) bool {
	want := strings.TrimSpace(s.NetworkID)
	got := strings.TrimSpace(clientID)
	if want == "" || got == "" {
		return false
	}
	if want == got {
		return true
	}
	a, err := netip.ParseAddr(want)
	if err != nil {
		return false
	}
	b, err := netip.ParseAddr(got)
	if err != nil {
		return false
	}
	a, b = a.Unmap(), b.Unmap()
	if a.Is4() != b.Is4() {
		return false
	}
	bits := c.V6Bits
	if a.Is4() {
		bits = c.V4Bits
	}
	pa, err := a.Prefix(bits)
	if err != nil {
		return false
	}
	return pa.Contains(b)
}
