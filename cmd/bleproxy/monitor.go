package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"bleproxy/internal/adapter/tui/monitor"
	"bleproxy/internal/infra/logger"
	"bleproxy/internal/infra/tracer"
	"bleproxy/internal/usecase/eventbus"
)

// runMonitor starts a host session and shows it in the terminal. Terminal log
// output is discarded while the view is up; file output is kept.
func runMonitor(ctx context.Context, args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(flags, roleHost)
	if err != nil {
		return err
	}
	switch strings.ToLower(cfg.Logger.Output) {
	case "", "stderr", "stdout":
		cfg.Logger.Output = "discard"
	}
	// The monitor is the log view.
	cfg.Host.Sink.Log = false

	log, logCloser, err := logger.New(cfg.Logger, logger.WithDebug(flags.Verbose), logger.WithAttrs("role", "monitor"))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, "host")
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.WithoutCancel(ctx))

	bus := eventbus.New(log, 0)
	defer bus.Close()

	h, err := startHost(ctx, cfg, bus, log)
	if err != nil {
		return err
	}

	model := monitor.New(monitor.Deps{
		Bus:       bus,
		Stats:     h.Stats,
		Listen:    h.Addr().String(),
		SessionID: h.SessionID(),
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	model.SetProgramSender(func(msg tea.Msg) { p.Send(msg) })

	_, runErr := p.Run()
	if errors.Is(runErr, tea.ErrProgramKilled) && ctx.Err() != nil {
		runErr = nil
	}
	return errors.Join(runErr, h.Shutdown())
}
