// Package status runs the tunnel's operational HTTP surface: a liveness
// check and a JSON snapshot of the orchestrator's state, modeled on the
// teacher's runStatusServer.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/natpunch/mc-tunnel/internal/forwarder"
	"github.com/natpunch/mc-tunnel/internal/orchestrator"
	"github.com/natpunch/mc-tunnel/internal/publicaddr"
)

const defaultAddr = ":8081"

// Server exposes /health and /status over HTTP.
type Server struct {
	addr    string
	orch    *orchestrator.Orchestrator
	fwd     *forwarder.Forwarder
	wan     *publicaddr.Cell
	domain  string
	started time.Time
}

// New builds a Server. The listen address defaults to ":8081", overridable
// with the STATUS_ADDR environment variable.
func New(orch *orchestrator.Orchestrator, fwd *forwarder.Forwarder, wan *publicaddr.Cell, domain string) *Server {
	addr := os.Getenv("STATUS_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	return &Server{addr: addr, orch: orch, fwd: fwd, wan: wan, domain: domain, started: time.Now()}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		addr, ok := s.wan.Get()
		publicAddr := ""
		if ok {
			publicAddr = addr.String()
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"state": %q, "domain": %q, "public_addr": %q, "active_sessions": %d, "uptime_seconds": %d}`,
			s.orch.State(), s.domain, publicAddr, s.fwd.ActiveSessions(), int(time.Since(s.started).Seconds()))
	})

	server := &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	slog.Info("Starting status server", "addr", s.addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status: server error: %w", err)
	}
	return nil
}
