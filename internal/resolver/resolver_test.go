package resolver

import (
	"context"
	"net"
	"testing"
)

func TestNew_EmptyEndpointUsesSystemResolver(t *testing.T) {
	r, err := New("")
	if err != nil {
		t.Fatalf("New(\"\") unexpected error: %v", err)
	}
	if r != net.DefaultResolver {
		t.Error("New(\"\") should return net.DefaultResolver")
	}
}

func TestResolveIPv4_LiteralAddress(t *testing.T) {
	ip, err := ResolveIPv4(context.Background(), net.DefaultResolver, "203.0.113.7")
	if err != nil {
		t.Fatalf("ResolveIPv4() unexpected error: %v", err)
	}
	if ip.String() != "203.0.113.7" {
		t.Errorf("ResolveIPv4() = %v, want 203.0.113.7", ip)
	}
}

func TestResolveIPv4_RejectsIPv6Literal(t *testing.T) {
	_, err := ResolveIPv4(context.Background(), net.DefaultResolver, "2001:db8::1")
	if err == nil {
		t.Fatal("ResolveIPv4() expected error for an IPv6 literal")
	}
}
