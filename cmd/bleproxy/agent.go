package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/sony/gobreaker/v2"

	"bleproxy/internal/adapter/scanner"
	"bleproxy/internal/adapter/transport"
	"bleproxy/internal/domain"
	"bleproxy/internal/infra/config"
	"bleproxy/internal/infra/logger"
	"bleproxy/internal/infra/tracer"
	"bleproxy/internal/usecase/agent"
	"bleproxy/internal/usecase/eventbus"
)

func runAgent(ctx context.Context, args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(flags, roleAgent)
	if err != nil {
		return err
	}
	if err := config.ValidateAgent(cfg); err != nil {
		return err
	}

	log, logCloser, err := logger.New(cfg.Logger, logger.WithDebug(cfg.Agent.Verbose), logger.WithAttrs("role", "agent"))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, "agent")
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.WithoutCancel(ctx))

	bus := eventbus.New(log, 0)
	defer bus.Close()
	unsubscribe := bus.SubscribeAll(eventLogger(log))
	defer unsubscribe()

	source := hostname()
	sender, err := transport.NewUDPSender(senderConfig(ctx, cfg.Agent, bus, source), log.With("component", "transport"))
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	defer sender.Close()

	sc, err := scanner.NewHCIScanner(scanner.Options{
		DeviceID:   cfg.Agent.DeviceID,
		ActiveScan: cfg.Agent.ActiveScan,
	}, log.With("component", "scanner"))
	if err != nil {
		return fmt.Errorf("scanner: %w", err)
	}
	defer sc.Close()

	a := agent.New(agent.Config{
		ScanInterval: cfg.Agent.ScanInterval,
		ScanPause:    cfg.Agent.ScanPause,
		Verbose:      cfg.Agent.Verbose,
		Source:       source,
	}, sc, sender, log.With("component", "agent"), agent.WithEventBus(bus))

	log.Info("bleproxy agent starting",
		"destination", sender.Destination(),
		"scan_interval", cfg.Agent.ScanInterval,
		"active_scan", cfg.Agent.ActiveScan,
		"breaker", cfg.Agent.Breaker.Enabled,
	)
	err = a.Run(ctx)

	stats := a.Stats()
	log.Info("bleproxy agent stopped", "sent", stats.Sent, "send_failed", stats.SendFailed)
	return err
}

// senderConfig maps agent settings to the UDP sender, publishing breaker
// transitions on bus.
func senderConfig(ctx context.Context, cfg config.AgentConfig, bus domain.EventBus, source string) transport.SenderConfig {
	return transport.SenderConfig{
		Host:           cfg.Host,
		Port:           cfg.Port,
		BreakerEnabled: cfg.Breaker.Enabled,
		MaxFailures:    cfg.Breaker.MaxFailures,
		OpenTimeout:    cfg.Breaker.OpenTimeout,
		OnStateChange: func(from, to gobreaker.State) {
			bus.Publish(ctx, domain.Event{
				Type:   domain.EventCircuitStateChange,
				Source: source,
				Detail: from.String() + " -> " + to.String(),
			})
		},
	}
}

// eventLogger logs every bus event at debug level.
func eventLogger(log *slog.Logger) domain.EventHandler {
	return func(ctx context.Context, ev domain.Event) {
		attrs := []any{"type", string(ev.Type)}
		if ev.Address != "" {
			attrs = append(attrs, "address", ev.Address)
		}
		if ev.Reason != "" {
			attrs = append(attrs, "reason", string(ev.Reason))
		}
		if ev.Detail != "" {
			attrs = append(attrs, "detail", ev.Detail)
		}
		log.DebugContext(ctx, "event", attrs...)
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "bleproxy"
	}
	return name
}
