// Package proxyproto builds PROXY protocol v1/v2 headers for prefixing
// upstream game-server connections with the real client address, on top of
// github.com/pires/go-proxyproto rather than hand-rolling the wire layout.
package proxyproto

import (
	"bytes"
	"errors"
	"fmt"
	"net"

	libproxyproto "github.com/pires/go-proxyproto"
)

// Version selects the PROXY protocol wire format.
type Version byte

const (
	V1 Version = 1
	V2 Version = 2
)

// ErrFamilyMismatch is returned when src and dst do not share the same
// address family (both IPv4 or both IPv6); the PROXY protocol has no way
// to represent a mixed-family pair.
var ErrFamilyMismatch = errors.New("proxyproto: source and destination address families do not match")

// BuildHeader renders a PROXY protocol prelude for a TCP connection whose
// true client address is src and whose local (upstream-facing) address is
// dst. It writes nothing and returns ErrFamilyMismatch if src and dst are
// of different address families.
func BuildHeader(version Version, src, dst *net.TCPAddr) ([]byte, error) {
	if src == nil || dst == nil {
		return nil, fmt.Errorf("proxyproto: src and dst must not be nil")
	}

	srcIsV4 := src.IP.To4() != nil
	dstIsV4 := dst.IP.To4() != nil
	if srcIsV4 != dstIsV4 {
		return nil, ErrFamilyMismatch
	}

	transport := libproxyproto.TCPv4
	if !srcIsV4 {
		transport = libproxyproto.TCPv6
	}

	header := &libproxyproto.Header{
		Version:           byte(version),
		Command:           libproxyproto.PROXY,
		TransportProtocol: transport,
		SourceAddr:        src,
		DestinationAddr:   dst,
	}

	var buf bytes.Buffer
	if _, err := header.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("proxyproto: failed to render header: %w", err)
	}

	return buf.Bytes(), nil
}
