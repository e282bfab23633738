// Package forwarder owns the single TCP listener shared by real players and
// the tunnel's own heartbeat loopback, binds it co-located with the STUN
// maintainer's socket on the same local port, and forwards player
// connections to the backend game server, optionally prefixed with a PROXY
// protocol header.
package forwarder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/panjf2000/ants/v2"
	boom "github.com/tylertreat/BoomFilters"

	"github.com/natpunch/mc-tunnel/internal/proxyproto"
	"github.com/natpunch/mc-tunnel/internal/publicaddr"
	"github.com/natpunch/mc-tunnel/internal/resolver"
	"github.com/natpunch/mc-tunnel/internal/sockopt"
)

const (
	acceptRetryDelay = 100 * time.Millisecond
	bufferSize       = 64 * 1024
	heartbeatMagic   = "hbpk"
	defaultPoolSize  = 4096
)

// Policy is the immutable per-run forwarding configuration.
type Policy struct {
	LocalPort      int
	ServerHost     string
	ServerPort     int
	HAProxyEnabled bool
	HAProxyVersion proxyproto.Version
	// PoolSize bounds the number of concurrently running sessions; 0 means
	// defaultPoolSize.
	PoolSize int
}

// SessionError reports a failure isolated to a single accepted connection;
// it never affects the listener or other sessions.
type SessionError struct {
	RemoteAddr string
	Op         string
	Err        error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("forwarder: session %s: %s: %v", e.RemoteAddr, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// HeartbeatHandler is implemented by internal/heartbeat.Responder; kept as
// an interface here to avoid an import cycle between the two packages.
type HeartbeatHandler interface {
	Handle(ctx context.Context, conn net.Conn, r *bufio.Reader)
}

// Forwarder binds the shared local port, demultiplexes the tunnel's own
// heartbeat loopback from real player connections, and forwards the rest.
type Forwarder struct {
	policy    Policy
	wan       *publicaddr.Cell
	resolver  *net.Resolver
	heartbeat HeartbeatHandler

	pool       *ants.Pool
	warnFilter *boom.StableBloomFilter

	mu             sync.Mutex
	activeSessions int
}

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, bufferSize)
		return &buf
	},
}

// New builds a Forwarder. heartbeat may be nil in tests that only exercise
// player-session forwarding.
func New(policy Policy, wan *publicaddr.Cell, res *net.Resolver, hb HeartbeatHandler) (*Forwarder, error) {
	size := policy.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}

	pool, err := ants.NewPool(size, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("forwarder: failed to create session pool: %w", err)
	}

	return &Forwarder{
		policy:     policy,
		wan:        wan,
		resolver:   res,
		heartbeat:  hb,
		pool:       pool,
		warnFilter: boom.NewDefaultStableBloomFilter(10000, 0.01),
	}, nil
}

// Close releases the session pool.
func (f *Forwarder) Close() {
	f.pool.Release()
}

// ActiveSessions returns the number of sessions currently being forwarded,
// for the status server.
func (f *Forwarder) ActiveSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeSessions
}

// bind attempts an IPv6 dual-stack listener first, falling back to IPv4
// on any failure — both with SO_REUSEADDR/SO_REUSEPORT so the STUN
// maintainer and heartbeat client can co-bind the same local port.
func (f *Forwarder) bind(ctx context.Context) (net.Listener, error) {
	lc := sockopt.ListenConfig()
	addr := fmt.Sprintf("[::]:%d", f.policy.LocalPort)

	// "tcp" (not "tcp6") on the IPv6 wildcard leaves IPV6_V6ONLY off, so
	// IPv4 clients arrive as IPv4-mapped addresses on the same listener.
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err == nil {
		slog.Info("Forwarder bound dual-stack listener", "addr", addr)
		return ln, nil
	}
	slog.Warn("Dual-stack bind failed, falling back to IPv4", "error", err)

	addr = fmt.Sprintf("0.0.0.0:%d", f.policy.LocalPort)
	ln, err = lc.Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("forwarder: failed to bind local port %d: %w", f.policy.LocalPort, err)
	}
	slog.Info("Forwarder bound IPv4 listener", "addr", addr)
	return ln, nil
}

// Run binds the listener and accepts forever. It only returns when ctx is
// canceled or the initial bind fails.
func (f *Forwarder) Run(ctx context.Context) error {
	ln, err := f.bind(ctx)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			slog.Error("Accept failed", "error", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		accepted := conn
		if submitErr := f.pool.Submit(func() { f.handle(ctx, accepted) }); submitErr != nil {
			slog.Error("Failed to submit session to pool", "error", submitErr)
			conn.Close()
		}
	}
}

func (f *Forwarder) handle(ctx context.Context, conn net.Conn) {
	f.mu.Lock()
	f.activeSessions++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.activeSessions--
		f.mu.Unlock()
	}()

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	remote := conn.RemoteAddr().String()
	sessionID := fmt.Sprintf("%x", xxhash.Checksum64([]byte(remote)))
	log := slog.With("session", sessionID, "remote", remote)

	reader := bufio.NewReaderSize(conn, 4)
	peeked, err := reader.Peek(4)
	if err != nil {
		// A connection that closes before sending 4 bytes is simply not
		// worth forwarding or demuxing; drop it quietly.
		conn.Close()
		return
	}

	if f.isHeartbeatLoopback(conn, peeked) {
		if f.heartbeat != nil {
			f.heartbeat.Handle(ctx, conn, reader)
		} else {
			conn.Close()
		}
		return
	}

	if err := f.forward(ctx, conn, reader); err != nil {
		remoteIP := remote
		if host, _, splitErr := net.SplitHostPort(remote); splitErr == nil {
			remoteIP = host
		}
		if f.warnFilter.TestAndAdd([]byte(remoteIP)) {
			return // already logged a failure for this remote recently
		}
		log.Warn("Session ended with error", "error", err)
	}
}

// isHeartbeatLoopback implements the spec's demux rule: the peer IP
// (canonicalized to strip an IPv4-mapped-IPv6 prefix) must equal the
// current WAN IP, and the first 4 bytes must be the heartbeat magic.
func (f *Forwarder) isHeartbeatLoopback(conn net.Conn, peeked []byte) bool {
	if string(peeked) != heartbeatMagic {
		return false
	}

	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return false
	}

	addr, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return false
	}
	addr = addr.Unmap() // strip ::ffff:a.b.c.d prefix

	return f.wan.Matches(addr)
}

func (f *Forwarder) forward(ctx context.Context, client net.Conn, clientReader *bufio.Reader) error {
	defer client.Close()

	upstreamIP, err := resolver.ResolveIPv4(ctx, f.resolver, f.policy.ServerHost)
	if err != nil {
		return &SessionError{RemoteAddr: client.RemoteAddr().String(), Op: "resolve backend", Err: err}
	}

	dialer := sockopt.Dialer()
	dialer.Timeout = 10 * time.Second
	upstream, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", upstreamIP.String(), f.policy.ServerPort))
	if err != nil {
		return &SessionError{RemoteAddr: client.RemoteAddr().String(), Op: "dial backend", Err: err}
	}
	defer upstream.Close()

	if tc, ok := upstream.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	if f.policy.HAProxyEnabled {
		clientTCP, ok1 := client.RemoteAddr().(*net.TCPAddr)
		upstreamLocal, ok2 := upstream.LocalAddr().(*net.TCPAddr)
		if !ok1 || !ok2 {
			return &SessionError{RemoteAddr: client.RemoteAddr().String(), Op: "build proxy header", Err: fmt.Errorf("non-TCP address")}
		}

		header, err := proxyproto.BuildHeader(f.policy.HAProxyVersion, clientTCP, upstreamLocal)
		if err != nil {
			return &SessionError{RemoteAddr: client.RemoteAddr().String(), Op: "build proxy header", Err: err}
		}
		if _, err := upstream.Write(header); err != nil {
			return &SessionError{RemoteAddr: client.RemoteAddr().String(), Op: "write proxy header", Err: err}
		}
	}

	return copyBidirectional(client, clientReader, upstream)
}

// copyBidirectional copies client<->upstream until either side half-closes
// or errors, mirroring the buffer-pool/half-close pattern common to this
// pack's direct TCP proxies.
func copyBidirectional(client net.Conn, clientReader io.Reader, upstream net.Conn) error {
	var wg sync.WaitGroup
	wg.Add(2)

	var firstErr error
	var errMu sync.Mutex
	record := func(err error) {
		if err == nil || err == io.EOF {
			return
		}
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	cp := func(dst net.Conn, src io.Reader) {
		defer wg.Done()
		buf := bufferPool.Get().(*[]byte)
		defer bufferPool.Put(buf)
		_, err := io.CopyBuffer(dst, src, *buf)
		record(err)
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}

	go cp(upstream, clientReader)
	go cp(client, upstream)

	wg.Wait()
	return firstErr
}
