package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/natpunch/mc-tunnel/internal/config"
	"github.com/natpunch/mc-tunnel/internal/ddns/cloudflare"
	"github.com/natpunch/mc-tunnel/internal/forwarder"
	"github.com/natpunch/mc-tunnel/internal/heartbeat"
	"github.com/natpunch/mc-tunnel/internal/orchestrator"
	"github.com/natpunch/mc-tunnel/internal/proxyproto"
	"github.com/natpunch/mc-tunnel/internal/publicaddr"
	"github.com/natpunch/mc-tunnel/internal/resolver"
	"github.com/natpunch/mc-tunnel/internal/status"
	"github.com/natpunch/mc-tunnel/internal/stunmaintainer"
)

func main() {
	logLevel := os.Getenv("LOG_LEVEL")
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("Starting mc-tunnel", "version", "0.1.0", "log_level", logLevel)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Configuration loaded",
		"domain", cfg.SubdomainName(),
		"local_port", cfg.Forward.LocalPort,
		"server", cfg.Forward.ServerHost,
		"keep_alive", cfg.General.KeepAlive,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := resolver.New(cfg.General.Resolver)
	if err != nil {
		slog.Error("Failed to build resolver", "error", err)
		os.Exit(1)
	}

	publisher, err := cloudflare.New(cfg)
	if err != nil {
		slog.Error("Failed to initialize DDNS publisher", "error", err)
		os.Exit(1)
	}

	wan := publicaddr.New()

	haProxyVersion := proxyproto.V1
	if cfg.Forward.HAProxyVersion == config.HAProxyV2 {
		haProxyVersion = proxyproto.V2
	}

	hbResponder := heartbeat.NewResponder()

	fwd, err := forwarder.New(forwarder.Policy{
		LocalPort:      cfg.Forward.LocalPort,
		ServerHost:     cfg.Forward.ServerHost,
		ServerPort:     cfg.Forward.ServerPort,
		HAProxyEnabled: cfg.Forward.HAProxySupport,
		HAProxyVersion: haProxyVersion,
	}, wan, res, hbResponder)
	if err != nil {
		slog.Error("Failed to initialize forwarder", "error", err)
		os.Exit(1)
	}

	heartbeatInterval := time.Duration(cfg.General.Heartbeat) * time.Second

	maintainer := stunmaintainer.New(
		cfg.Forward.LocalPort,
		cfg.General.StunServerPort,
		cfg.General.StunServerHost,
		cfg.General.KeepAlive,
		heartbeatInterval,
		res,
		publisher,
		wan,
	)

	// The heartbeat client is always part of the supervision tree.
	// general.keep_alive only governs whether the STUN maintainer's own
	// connection is torn down and reconnected every tick (§4.5 step 3d);
	// it does not gate the heartbeat subsystem's existence.
	hbClient := heartbeat.NewClient(wan, maintainer, heartbeatInterval, cfg.Forward.LocalPort)

	orch := orchestrator.New(fwd, maintainer, hbClient)
	statusSrv := status.New(orch, fwd, wan, cfg.SubdomainName())

	go func() {
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Orchestrator exited", "error", err)
			cancel()
		}
	}()
	go func() {
		if err := statusSrv.Run(ctx); err != nil {
			slog.Error("Status server exited", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	cancel()
	time.Sleep(time.Second)
	slog.Info("Goodbye!")
}
