package heartbeat

import (
	"bufio"
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/natpunch/mc-tunnel/internal/publicaddr"
)

type fakeRemeasurer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRemeasurer) Remeasure(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func (f *fakeRemeasurer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestClient_PingSuccess(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() unexpected error: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		readFullTest(t, conn, buf)
		conn.Write([]byte(pong))
	}()

	wan := publicaddr.New()
	addr := ln.Addr().(*net.TCPAddr)
	wan.Set(netip.AddrPortFrom(netip.MustParseAddr(addr.IP.String()), uint16(addr.Port)))

	rem := &fakeRemeasurer{}
	c := NewClient(wan, rem, time.Second, 0)

	if err := c.ping(context.Background(), addr.String()); err != nil {
		t.Fatalf("ping() unexpected error: %v", err)
	}
}

func TestClient_TickEscalatesAfterThreeFailures(t *testing.T) {
	wan := publicaddr.New()
	// Port 1 with no listener guarantees a connection failure.
	wan.Set(netip.MustParseAddrPort("127.0.0.1:1"))

	rem := &fakeRemeasurer{}
	c := NewClient(wan, rem, time.Second, 0)

	ctx := context.Background()
	c.tick(ctx)
	c.tick(ctx)
	if rem.callCount() != 0 {
		t.Fatalf("Remeasure called after %d failures, want 0", 2)
	}
	c.tick(ctx)
	if rem.callCount() != 1 {
		t.Fatalf("Remeasure called %d times after 3 failures, want 1", rem.callCount())
	}
	if c.consecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d, want reset to 0 after escalation", c.consecutiveFailures)
	}
}

func TestClient_TickSkipsWithoutPublishedAddress(t *testing.T) {
	wan := publicaddr.New()
	rem := &fakeRemeasurer{}
	c := NewClient(wan, rem, time.Second, 0)

	c.tick(context.Background())
	if c.consecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d, want 0 when no address has been published", c.consecutiveFailures)
	}
}

func TestResponder_HandleRepliesToValidPing(t *testing.T) {
	serverSide, clientSide := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		reader := bufio.NewReader(serverSide)
		reader.Peek(4)
		NewResponder().Handle(context.Background(), serverSide, reader)
	}()

	clientSide.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientSide.Write([]byte(ping)); err != nil {
		t.Fatalf("Write() unexpected error: %v", err)
	}

	buf := make([]byte, 4)
	readFullTest(t, clientSide, buf)
	if string(buf) != pong {
		t.Errorf("Handle() replied %q, want %q", buf, pong)
	}

	// A second ping on the same connection must also get a pong: the
	// responder answers repeated frames rather than closing after one.
	if _, err := clientSide.Write([]byte(ping)); err != nil {
		t.Fatalf("Write() unexpected error: %v", err)
	}
	readFullTest(t, clientSide, buf)
	if string(buf) != pong {
		t.Errorf("Handle() second reply = %q, want %q", buf, pong)
	}

	clientSide.Close()
	<-done
}

func TestResponder_HandleWarnsAndContinuesOnMalformedPayload(t *testing.T) {
	serverSide, clientSide := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		reader := bufio.NewReader(serverSide)
		reader.Peek(4)
		NewResponder().Handle(context.Background(), serverSide, reader)
	}()

	clientSide.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientSide.Write([]byte("nope")); err != nil {
		t.Fatalf("Write() unexpected error: %v", err)
	}

	// The malformed frame gets a logged warning, not a reply or a closed
	// connection; a subsequent well-formed ping still gets answered.
	if _, err := clientSide.Write([]byte(ping)); err != nil {
		t.Fatalf("Write() unexpected error: %v", err)
	}
	buf := make([]byte, 4)
	readFullTest(t, clientSide, buf)
	if string(buf) != pong {
		t.Errorf("Handle() reply after malformed frame = %q, want %q", buf, pong)
	}

	clientSide.Close()
	<-done
}

func readFullTest(t *testing.T, conn net.Conn, buf []byte) {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			t.Fatalf("Read() unexpected error: %v", err)
		}
	}
}
