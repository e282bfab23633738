// Package publicaddr holds the single shared piece of mutable state in the
// tunnel: the public ip:port the STUN maintainer most recently learned and
// published. Modeled on the teacher's mapping.Manager (which guarded a
// slice of YAML-sourced mappings behind a sync.RWMutex); here the same
// single-writer/many-reader shape guards one address instead.
package publicaddr

import (
	"net/netip"
	"sync"
)

// Cell is a single-writer, many-reader holder for the tunnel's current
// public address. The STUN maintainer is the sole writer; the forwarder's
// accept loop and the status server are readers.
type Cell struct {
	mu   sync.RWMutex
	addr netip.AddrPort
	set  bool
}

// New returns an empty cell; Get returns ok=false until the first Set.
func New() *Cell {
	return &Cell{}
}

// Get returns the current address and whether one has ever been set.
func (c *Cell) Get() (netip.AddrPort, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr, c.set
}

// Set replaces the current address. It is always the new authoritative
// value; previous values are discarded, never merged.
func (c *Cell) Set(addr netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = addr
	c.set = true
}

// Matches reports whether ip (already canonicalized by the caller — e.g.
// with the IPv4-mapped-IPv6 prefix stripped) equals the current address's
// IP. Used by the forwarder's heartbeat demux check.
func (c *Cell) Matches(ip netip.Addr) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.set && c.addr.Addr() == ip
}
