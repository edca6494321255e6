// Package banlist decides which peer addresses are refused at admission.
//
// A Policy is consulted exactly once per accepted connection, before the
// connection is handed to the session registry. Implementations must be cheap
// and safe for concurrent use.
package banlist

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
)

// Policy reports whether an address is banned.
type Policy interface {
	IsBanned(addr netip.Addr) bool
}

// Func adapts an ordinary function to a Policy.
type Func func(addr netip.Addr) bool

// IsBanned calls f(addr).
func (f Func) IsBanned(addr netip.Addr) bool {
	return f(addr)
}

// None bans nobody.
var None Policy = Func(func(netip.Addr) bool { return false })

// List is an in-memory set of banned addresses and networks.
type List struct {
	mu       sync.RWMutex
	prefixes []netip.Prefix
}

// ParseList builds a List from entries that are either single IP addresses
// ("192.0.2.7", "2001:db8::1") or CIDR networks ("10.0.0.0/8").
func ParseList(entries []string) (*List, error) {
	l := &List{}
	for i, entry := range entries {
		p, err := ParsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("bans[%d]: %w", i, err)
		}
		l.prefixes = append(l.prefixes, p)
	}
	return l, nil
}

// ParsePrefix parses an address or CIDR into a masked prefix. A bare address
// becomes a single-host prefix.
func ParsePrefix(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid network %q: %w", entry, err)
		}
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), nil
	}

	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", entry, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Add bans another prefix.
func (l *List) Add(p netip.Prefix) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prefixes = append(l.prefixes, p.Masked())
}

// Len returns the number of entries.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.prefixes)
}

// IsBanned implements Policy.
func (l *List) IsBanned(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Chain bans an address if any of the policies bans it. Nil policies are skipped.
func Chain(policies ...Policy) Policy {
	active := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if p != nil {
			active = append(active, p)
		}
	}

	return Func(func(addr netip.Addr) bool {
		for _, p := range active {
			if p.IsBanned(addr) {
				return true
			}
		}
		return false
	})
}
