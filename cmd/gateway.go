package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/laneway/internal/bus"
	"github.com/nextlevelbuilder/laneway/internal/config"
	"github.com/nextlevelbuilder/laneway/internal/gateway"
	"github.com/nextlevelbuilder/laneway/internal/tracing"
	"github.com/nextlevelbuilder/laneway/pkg/protocol"
)

const (
	sessionIdleTimeout = 10 * time.Minute
	sessionPruneEvery  = time.Minute
)

// runGateway returns instead of exiting so deferred shutdown steps always run.
func runGateway() error {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	msgBus := bus.New()

	engine, err := gateway.NewEngine(cfg, msgBus, msgBus)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer engine.Close()

	server := gateway.NewServer(cfg, engine, msgBus)

	watcher := config.NewWatcher(cfg, config.WatcherOptions{})
	watcher.OnUpdated(func(next *config.Config, changed []string) {
		engine.ApplyConfig(next)
		msgBus.Broadcast(bus.Event{Name: protocol.EventConfigUpdated, Payload: changed})
	})
	watcher.OnRestartRequired(func(fields []string) {
		msgBus.Broadcast(bus.Event{Name: protocol.EventConfigRestartRequired, Payload: fields})
	})
	watcher.OnError(func(err error) {
		msgBus.Broadcast(bus.Event{Name: protocol.EventConfigError, Payload: err.Error()})
	})
	if err := watcher.Watch(cfgPath); err != nil {
		slog.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		defer watcher.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("graceful shutdown initiated", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("laneway gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"config", cfgPath,
		"bindings", len(cfg.Bindings),
		"session_scope", cfg.Sessions.Scope,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return consumeHandoffs(gctx, msgBus) })
	g.Go(func() error { return pruneSessions(gctx, engine) })

	if err := g.Wait(); err != nil {
		slog.Error("gateway error", "error", err)
		return err
	}
	slog.Info("gateway stopped")
	return nil
}

// consumeHandoffs forwards drained batches to subscribed clients, where the
// agent runtime picks them up.
func consumeHandoffs(ctx context.Context, msgBus *bus.MessageBus) error {
	slog.Info("handoff consumer started")
	for {
		h, ok := msgBus.ConsumeHandoff(ctx)
		if !ok {
			return nil
		}
		slog.Debug("handoff",
			"agent", h.AgentID,
			"session", h.SessionKey,
			"messages", len(h.Messages),
			"interrupt", h.Interrupt,
		)
		msgBus.Broadcast(bus.Event{Name: protocol.EventHandoff, Payload: h})
	}
}

func pruneSessions(ctx context.Context, engine *gateway.Engine) error {
	ticker := time.NewTicker(sessionPruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			engine.PruneIdle(sessionIdleTimeout)
		}
	}
}
