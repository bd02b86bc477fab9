package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Forwarding headers read when a ProxyPolicy trusts them
const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
)

// ProxyPolicy decides which address of a request belongs to the client.
//
// Behind reverse proxies the direct peer is the innermost proxy. With Hops
// trusted proxies the client entry of X-Forwarded-For is the one just left
// of the last Hops entries. Entries further left are supplied by the client
// and cannot be trusted.
type ProxyPolicy struct {
	// TrustHeaders enables X-Forwarded-For and X-Real-IP. Only set it
	// behind a reverse proxy that overwrites them.
	TrustHeaders bool

	// Hops is the number of trusted proxies in front of the server.
	// Default: 1
	Hops int
}

// ClientIP returns the client address of r, without port.
func (p ProxyPolicy) ClientIP(r *http.Request) string {
	if p.TrustHeaders {
		if ip, ok := p.forwardedFor(r.Header.Get(HeaderForwardedFor)); ok {
			return ip
		}
		if ip, ok := parseIP(r.Header.Get(HeaderRealIP)); ok {
			return ip
		}
	}
	return peerIP(r.RemoteAddr)
}

// forwardedFor picks the client entry of an X-Forwarded-For value. Short
// chains fall back to the leftmost entry.
func (p ProxyPolicy) forwardedFor(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	hops := p.Hops
	if hops <= 0 {
		hops = 1
	}

	entries := strings.Split(header, ",")
	i := len(entries) - hops - 1
	if i < 0 {
		i = 0
	}
	return parseIP(entries[i])
}

func parseIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

// peerIP strips the port from a RemoteAddr. Addresses without a port are
// returned as they are.
func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
