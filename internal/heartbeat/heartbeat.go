// Package heartbeat keeps the NAT binding the STUN maintainer measured
// alive by periodically dialing the tunnel's own published public address
// and exchanging a tiny handshake with itself through the NAT. The
// forwarder's accept loop demultiplexes this loopback traffic away from
// real players by IP and a 4-byte magic prefix and hands it to Responder.
package heartbeat

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	boom "github.com/tylertreat/BoomFilters"

	"github.com/natpunch/mc-tunnel/internal/publicaddr"
	"github.com/natpunch/mc-tunnel/internal/sockopt"
)

const (
	ping = "hbpk"
	pong = "hbre"

	dialTimeout = 5 * time.Second
	ioTimeout   = 5 * time.Second

	// failureEscalationThreshold is the number of consecutive failed
	// heartbeats that trigger an out-of-schedule STUN remeasure, on the
	// theory that three misses in a row means the binding rotated rather
	// than one dropped packet.
	failureEscalationThreshold = 3
)

// Error reports a heartbeat round-trip failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("heartbeat: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Remeasurer is implemented by internal/stunmaintainer.Maintainer; kept as
// a local interface to avoid an import cycle between the two packages.
type Remeasurer interface {
	Remeasure(ctx context.Context)
}

// Client periodically dials the tunnel's own public address to keep the
// NAT binding from expiring. Its socket binds localPort, the same local
// port the forwarder's listener and the STUN maintainer's connection use,
// so all three participate in the same NAT co-binding (spec invariant:
// one stable mapping for one local port).
type Client struct {
	wan       *publicaddr.Cell
	remeasure Remeasurer
	interval  time.Duration
	localPort int

	consecutiveFailures int

	// OnEscalate, if set, is called right before a repeated heartbeat
	// failure triggers a STUN remeasure. Used by the orchestrator to drive
	// its state machine.
	OnEscalate func()
}

// NewClient builds a heartbeat Client that pings every interval from
// localPort.
func NewClient(wan *publicaddr.Cell, remeasure Remeasurer, interval time.Duration, localPort int) *Client {
	return &Client{wan: wan, remeasure: remeasure, interval: interval, localPort: localPort}
}

// Run pings on the configured interval until ctx is canceled. A missing
// public address (the STUN maintainer hasn't completed its first probe
// yet) is treated as a skipped, not failed, tick.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Client) tick(ctx context.Context) {
	addr, ok := c.wan.Get()
	if !ok {
		slog.Debug("Heartbeat skipped: no public address published yet")
		return
	}

	if err := c.ping(ctx, addr.String()); err != nil {
		c.consecutiveFailures++
		slog.Warn("Heartbeat failed", "error", err, "consecutive_failures", c.consecutiveFailures)

		if c.consecutiveFailures >= failureEscalationThreshold {
			slog.Error("Heartbeat failed repeatedly, requesting STUN remeasure", "consecutive_failures", c.consecutiveFailures)
			if c.OnEscalate != nil {
				c.OnEscalate()
			}
			c.remeasure.Remeasure(ctx)
			c.consecutiveFailures = 0
		}
		return
	}

	c.consecutiveFailures = 0
}

func (c *Client) ping(ctx context.Context, addr string) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := sockopt.Dialer()
	dialer.Timeout = dialTimeout
	dialer.LocalAddr = &net.TCPAddr{Port: c.localPort}

	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return &Error{Op: "dial", Err: err}
	}
	defer conn.Close()

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
	}

	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	if _, err := conn.Write([]byte(ping)); err != nil {
		return &Error{Op: "write ping", Err: err}
	}

	buf := make([]byte, len(pong))
	if _, err := readFull(conn, buf); err != nil {
		return &Error{Op: "read pong", Err: err}
	}
	if string(buf) != pong {
		return &Error{Op: "verify pong", Err: fmt.Errorf("unexpected reply %q", buf)}
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Responder answers the loopback heartbeat connections the forwarder's
// demux routes here, and rate-limits the warning it logs for malformed
// ones so a misbehaving NAT can't flood the log.
type Responder struct {
	warnFilter *boom.StableBloomFilter
}

// NewResponder builds a Responder.
func NewResponder() *Responder {
	return &Responder{warnFilter: boom.NewDefaultStableBloomFilter(1000, 0.01)}
}

// Handle answers repeated ping/pong frames on conn, starting with the
// already-peeked ping magic still sitting in reader, until the connection
// closes or a read/write fails. It never returns an error: a malformed
// frame is logged (rate-limited) and the exchange continues; a read failure
// ends the session silently, and a write failure is logged (rate-limited)
// and ends it.
func (r *Responder) Handle(ctx context.Context, conn net.Conn, reader *bufio.Reader) {
	defer conn.Close()
	rc := readerConn{reader, conn}

	for {
		_ = conn.SetDeadline(time.Now().Add(ioTimeout))

		buf := make([]byte, len(ping))
		if _, err := readFull(rc, buf); err != nil {
			return
		}
		if string(buf) != ping {
			r.warnOnce("heartbeat responder: unexpected magic", fmt.Errorf("got %q", buf))
			continue
		}

		if _, err := conn.Write([]byte(pong)); err != nil {
			r.warnOnce("heartbeat responder: write failed", err)
			return
		}
	}
}

func (r *Responder) warnOnce(msg string, err error) {
	key := []byte(msg)
	if r.warnFilter.TestAndAdd(key) {
		return
	}
	slog.Warn(msg, "error", err)
}

// readerConn lets readFull pull from the bufio.Reader (which still holds
// the peeked bytes) while writes still go straight to the underlying conn.
type readerConn struct {
	*bufio.Reader
	net.Conn
}

func (rc readerConn) Read(p []byte) (int, error) { return rc.Reader.Read(p) }
