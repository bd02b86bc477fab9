package util

import (
	"net/netip"
	"strings"
)

// AddrScope says from where an IP address is reachable.
type AddrScope string

// Address scopes, from most to least exposed
const (
	ScopePublic      AddrScope = "public"
	ScopePrivate     AddrScope = "private"
	ScopeLinkLocal   AddrScope = "link-local"
	ScopeLoopback    AddrScope = "loopback"
	ScopeUnspecified AddrScope = "unspecified"
)

// ScopeOf returns the scope of addr. IPv4-mapped IPv6 addresses are scoped
// as their IPv4 form. Link-local includes 169.254.169.254, the metadata
// service of most clouds.
func ScopeOf(addr netip.Addr) AddrScope {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(), addr.IsUnspecified():
		return ScopeUnspecified
	case addr.IsLoopback():
		return ScopeLoopback
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return ScopeLinkLocal
	case addr.IsPrivate():
		return ScopePrivate
	}
	return ScopePublic
}

// ParseHostAddr parses the host part of a URL as an IP literal. IPv6
// brackets are accepted. Names return false.
func ParseHostAddr(host string) (netip.Addr, bool) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// IsLoopbackHost reports whether host is "localhost" or a loopback IP
// literal. 0.0.0.0 is unspecified, not loopback.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	addr, ok := ParseHostAddr(host)
	return ok && ScopeOf(addr) == ScopeLoopback
}
