package orchestrator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/natpunch/mc-tunnel/internal/forwarder"
	"github.com/natpunch/mc-tunnel/internal/heartbeat"
	"github.com/natpunch/mc-tunnel/internal/publicaddr"
	"github.com/natpunch/mc-tunnel/internal/stunmaintainer"
)

type noopPublisher struct{}

func (noopPublisher) UpdateSRV(context.Context, string, uint16) error { return nil }

func TestState_StringCoversAllValues(t *testing.T) {
	for s := StateInit; s <= StateRecovering; s++ {
		if s.String() == "unknown" {
			t.Errorf("State(%d).String() = unknown", s)
		}
	}
}

func TestNew_StartsInInitState(t *testing.T) {
	wan := publicaddr.New()
	fwd, err := forwarder.New(forwarder.Policy{LocalPort: 0, ServerHost: "127.0.0.1", ServerPort: 1}, wan, net.DefaultResolver, nil)
	if err != nil {
		t.Fatalf("forwarder.New() unexpected error: %v", err)
	}
	defer fwd.Close()

	m := stunmaintainer.New(0, 1, "127.0.0.1", false, time.Minute, net.DefaultResolver, noopPublisher{}, wan)

	o := New(fwd, m, nil)
	if o.State() != StateInit {
		t.Errorf("State() = %v, want %v", o.State(), StateInit)
	}
}

func TestOrchestrator_ForwarderFailureCancelsGroup(t *testing.T) {
	wan := publicaddr.New()
	// LocalPort -1 makes the listener bind fail immediately on both
	// tcp6 and tcp4, so Run should return quickly with an error.
	fwd, err := forwarder.New(forwarder.Policy{LocalPort: -1, ServerHost: "127.0.0.1", ServerPort: 1}, wan, net.DefaultResolver, nil)
	if err != nil {
		t.Fatalf("forwarder.New() unexpected error: %v", err)
	}

	m := stunmaintainer.New(0, 1, "127.0.0.1", false, time.Hour, net.DefaultResolver, noopPublisher{}, wan)
	hb := heartbeat.NewClient(wan, m, time.Hour, 0)

	o := New(fwd, m, hb)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := o.Run(ctx); err == nil {
		t.Error("Run() expected an error when the forwarder cannot bind")
	}
}
