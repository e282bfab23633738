// Package orchestrator wires the forwarder, STUN maintainer, and heartbeat
// components together and tracks which high-level state the tunnel is in,
// for the status server to report.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/natpunch/mc-tunnel/internal/forwarder"
	"github.com/natpunch/mc-tunnel/internal/heartbeat"
	"github.com/natpunch/mc-tunnel/internal/stunmaintainer"
)

// State is a coarse description of what the tunnel is currently doing.
type State int

const (
	StateInit State = iota
	StateMeasuring
	StatePublishing
	StateRunning
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateMeasuring:
		return "measuring"
	case StatePublishing:
		return "publishing"
	case StateRunning:
		return "running"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Orchestrator supervises the forwarder, STUN maintainer, and heartbeat
// client as one unit, canceling all of them the moment any one fails.
// general.keep_alive does not gate whether the heartbeat client runs (it
// only governs whether the STUN maintainer's own connection is torn down
// between ticks); the heartbeat subsystem is always part of the
// supervision tree.
type Orchestrator struct {
	fwd        *forwarder.Forwarder
	maintainer *stunmaintainer.Maintainer
	hbClient   *heartbeat.Client

	state atomic.Int32
}

// New builds an Orchestrator. hbClient is accepted as nilable so tests can
// exercise the forwarder/maintainer pair alone; production callers always
// supply one.
func New(fwd *forwarder.Forwarder, maintainer *stunmaintainer.Maintainer, hbClient *heartbeat.Client) *Orchestrator {
	o := &Orchestrator{fwd: fwd, maintainer: maintainer, hbClient: hbClient}
	o.setState(StateInit)

	maintainer.OnPublishing = func() {
		o.setState(StatePublishing)
	}
	maintainer.OnPublish = func(netip.AddrPort) {
		o.setState(StateRunning)
	}
	if hbClient != nil {
		hbClient.OnEscalate = func() {
			o.setState(StateRecovering)
		}
	}

	return o
}

// State reports the orchestrator's current high-level state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	old := State(o.state.Swap(int32(s)))
	if old != s {
		slog.Info("Orchestrator state transition", "from", old, "to", s)
	}
}

// Run starts the forwarder, the STUN maintainer, and (if configured) the
// heartbeat client, and blocks until ctx is canceled or any one of them
// returns a non-nil, non-context error. That first error cancels the rest.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setState(StateMeasuring)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := o.fwd.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("orchestrator: forwarder: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := o.maintainer.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("orchestrator: stun maintainer: %w", err)
		}
		return nil
	})

	if o.hbClient != nil {
		g.Go(func() error {
			if err := o.hbClient.Run(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("orchestrator: heartbeat client: %w", err)
			}
			return nil
		})
	}

	err := g.Wait()
	o.fwd.Close()
	return err
}
