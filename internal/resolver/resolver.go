// Package resolver builds the *net.Resolver used to look up the STUN
// server host (C5) and the backend game-server host (C4). When configured
// with a DNS-over-HTTPS endpoint it uses ncruces/go-dns instead of the
// system resolver, so lookups aren't at the mercy of a possibly-hijacked
// local DNS server.
package resolver

import (
	"context"
	"fmt"
	"net"

	dns "github.com/ncruces/go-dns"
)

// New returns a resolver. If dohEndpoint is empty, the system resolver
// (net.DefaultResolver) is used.
func New(dohEndpoint string) (*net.Resolver, error) {
	if dohEndpoint == "" {
		return net.DefaultResolver, nil
	}

	resolver, err := dns.NewDoHResolver(dohEndpoint)
	if err != nil {
		return nil, fmt.Errorf("resolver: failed to build DoH resolver for %q: %w", dohEndpoint, err)
	}
	return resolver, nil
}

// ResolveIPv4 resolves host to its first IPv4 address. Both the STUN path
// and the backend game server are IPv4-only by design (spec §1 Non-goals:
// "IPv6 STUN traversal"), so every caller needs exactly this.
func ResolveIPv4(ctx context.Context, r *net.Resolver, host string) (net.IP, error) {
	// A literal IP address resolves to itself without a network round trip.
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("resolver: %q is not an IPv4 address", host)
	}

	ips, err := r.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("resolver: failed to resolve %q: %w", host, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("resolver: no IPv4 address found for %q", host)
}
