// Package stunmaintainer periodically measures the tunnel's NAT-mapped
// public address over STUN and publishes it through a DDNS provider. It
// owns the single piece of mutable shared state (internal/publicaddr.Cell)
// as its sole writer.
package stunmaintainer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/natpunch/mc-tunnel/internal/ddns"
	"github.com/natpunch/mc-tunnel/internal/publicaddr"
	"github.com/natpunch/mc-tunnel/internal/resolver"
	"github.com/natpunch/mc-tunnel/internal/sockopt"
	"github.com/natpunch/mc-tunnel/internal/stun"
)

const (
	dnsRetryInterval   = 5 * time.Second
	dialRetryInterval  = 5 * time.Second
	errorRetryInterval = 5 * time.Second
	dialTimeout        = 3 * time.Second
	probeIOTimeout     = 5 * time.Second
	probeBufferSize    = 1024
)

// Error reports a failure in a single STUN probe-and-publish cycle.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("stunmaintainer: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Maintainer runs the STUN probe/publish cycle described by the spec's
// NAT-binding-maintenance component. It holds a single long-lived TCP
// connection to the STUN server, bound to the same local port the
// forwarder listens on and the heartbeat client dials from. With keep_alive
// true the connection is reused across probe cycles so the NAT sees one
// stable flow rather than a new one every tick; with keep_alive false it is
// closed and redialed every cycle.
type Maintainer struct {
	localPort int
	stunHost  string
	stunPort  int
	keepAlive bool
	interval  time.Duration

	resolver  *net.Resolver
	publisher ddns.Publisher
	wan       *publicaddr.Cell

	remeasure chan struct{}

	conn     net.Conn
	lastAddr netip.AddrPort
	hasAddr  bool

	// OnPublish, if set, is called after every successful probe-and-publish
	// cycle (including ones that found the address unchanged). Used by the
	// orchestrator to drive its state machine.
	OnPublish func(addr netip.AddrPort)

	// OnPublishing, if set, is called right before a changed address is
	// sent to the DDNS provider.
	OnPublishing func()
}

// New builds a Maintainer. localPort must match the forwarder's listener
// port so the STUN probe's reflexive mapping is the same one player
// connections arrive on. interval is the heartbeat period (general.heartbeat
// from config): how often a fresh Binding Request goes out on the
// maintained connection.
func New(localPort, stunPort int, stunHost string, keepAlive bool, interval time.Duration, res *net.Resolver, pub ddns.Publisher, wan *publicaddr.Cell) *Maintainer {
	return &Maintainer{
		localPort: localPort,
		stunHost:  stunHost,
		stunPort:  stunPort,
		keepAlive: keepAlive,
		interval:  interval,
		resolver:  res,
		publisher: pub,
		wan:       wan,
		remeasure: make(chan struct{}, 1),
	}
}

// Remeasure requests an out-of-schedule probe, used by the heartbeat client
// when it suspects the NAT binding has silently rotated. It is
// non-blocking: a remeasure already pending coalesces with this one.
func (m *Maintainer) Remeasure(_ context.Context) {
	select {
	case m.remeasure <- struct{}{}:
	default:
	}
}

// Run connects, probes and publishes once immediately, then keeps doing so
// every interval (or sooner, on demand via Remeasure) until ctx is
// canceled. The maintainer never exits on its own; it is a supervised
// forever-task regardless of keep_alive. keep_alive instead controls
// whether the STUN connection survives between ticks: true reuses it,
// false tears it down and reconnects every cycle.
func (m *Maintainer) Run(ctx context.Context) error {
	needsConn := true

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if needsConn {
			if err := m.reconnect(ctx); err != nil {
				return err
			}
			needsConn = false
		}

		if err := m.cycle(ctx); err != nil {
			slog.Error("STUN probe cycle failed", "error", err)
			m.closeConn()
			needsConn = true
			if !sleepOrDone(ctx, errorRetryInterval) {
				return ctx.Err()
			}
			continue
		}

		if !m.keepAlive {
			m.closeConn()
			needsConn = true
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.interval):
		case <-m.remeasure:
		}
	}
}

// cycle performs one probe-then-publish-then-record round over the
// maintainer's already-open connection. It only writes to wan after a
// successful publish, so readers never observe an address that DNS doesn't
// yet point at.
func (m *Maintainer) cycle(ctx context.Context) error {
	addr, err := m.probe(ctx)
	if err != nil {
		return &Error{Op: "probe", Err: err}
	}

	if m.hasAddr && m.lastAddr == addr {
		slog.Debug("STUN probe unchanged", "addr", addr)
		if m.OnPublish != nil {
			m.OnPublish(addr)
		}
		return nil
	}

	if m.OnPublishing != nil {
		m.OnPublishing()
	}
	if err := m.publisher.UpdateSRV(ctx, addr.Addr().String(), addr.Port()); err != nil {
		return &Error{Op: "publish", Err: err}
	}

	m.lastAddr = addr
	m.hasAddr = true
	m.wan.Set(addr)
	slog.Info("Published new public address", "addr", addr)
	if m.OnPublish != nil {
		m.OnPublish(addr)
	}
	return nil
}

// probe sends a Binding Request on the maintainer's open connection and
// decodes the reflexive address out of the Binding Response.
func (m *Maintainer) probe(ctx context.Context) (netip.AddrPort, error) {
	req, err := stun.EncodeBindingRequest()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("encode binding request: %w", err)
	}

	_ = m.conn.SetDeadline(time.Now().Add(probeIOTimeout))
	if _, err := m.conn.Write(req); err != nil {
		return netip.AddrPort{}, fmt.Errorf("write binding request: %w", err)
	}

	buf := make([]byte, probeBufferSize)
	n, err := m.conn.Read(buf)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("read binding response: %w", err)
	}

	addr, err := stun.DecodeBindingResponse(buf[:n])
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("decode binding response: %w", err)
	}
	return addr, nil
}

// reconnect resolves the STUN server and dials it from the same local port
// the forwarder listens on (SO_REUSEPORT makes the co-bind legal),
// retrying every 5s on either DNS or dial failure until it succeeds or ctx
// is canceled.
func (m *Maintainer) reconnect(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stunIP, err := resolver.ResolveIPv4(ctx, m.resolver, m.stunHost)
		if err != nil {
			slog.Error("STUN host resolution failed, retrying", "error", err)
			if !sleepOrDone(ctx, dnsRetryInterval) {
				return ctx.Err()
			}
			continue
		}

		dialer := sockopt.Dialer()
		dialer.Timeout = dialTimeout
		dialer.LocalAddr = &net.TCPAddr{Port: m.localPort}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := dialer.DialContext(dialCtx, "tcp4", fmt.Sprintf("%s:%d", stunIP.String(), m.stunPort))
		cancel()
		if err != nil {
			slog.Error("STUN server dial failed, retrying", "error", err)
			if !sleepOrDone(ctx, dialRetryInterval) {
				return ctx.Err()
			}
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
			_ = tc.SetKeepAlive(true)
		}

		m.conn = conn
		return nil
	}
}

func (m *Maintainer) closeConn() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// sleepOrDone sleeps for d, returning false early if ctx is canceled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
