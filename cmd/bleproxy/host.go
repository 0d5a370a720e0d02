package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/oklog/ulid/v2"

	"bleproxy/internal/adapter/sink"
	"bleproxy/internal/adapter/stream"
	"bleproxy/internal/domain"
	"bleproxy/internal/infra/config"
	"bleproxy/internal/infra/logger"
	"bleproxy/internal/infra/tracer"
	"bleproxy/internal/usecase/eventbus"
	"bleproxy/internal/usecase/host"
	"bleproxy/internal/usecase/scheduling"
)

// pruneSchedule is how often expired recorder rows are deleted.
const pruneSchedule = "1h"

func runHost(ctx context.Context, args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(flags, roleHost)
	if err != nil {
		return err
	}

	log, logCloser, err := logger.New(cfg.Logger, logger.WithDebug(flags.Verbose), logger.WithAttrs("role", "host"))
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

	<-ctx.Done()
	return h.Shutdown()
}

// hostSession is a started relay plus the addresses of its side services.
type hostSession struct {
	*host.Handle
	streamAddr net.Addr // nil when the stream is disabled
}

// hostStack is the set of components started around one relay session.
type hostStack struct {
	sessionID string
	source    string
	counters  *domain.Counters
	sink      domain.AdvertisementSink
	opts      []host.Option
	cleanups  []func() error
}

// abort releases components after a failed start, in shutdown order.
func (s *hostStack) abort() {
	for _, fn := range s.cleanups {
		_ = fn()
	}
}

// hook registers fn both as a relay shutdown hook and as a cleanup used when
// the relay fails to start.
func (s *hostStack) hook(name string, fn func() error) {
	s.opts = append(s.opts, host.WithShutdownHook(name, fn))
	s.cleanups = append(s.cleanups, fn)
}

// startHost composes the sinks, scheduler, stream server and advertiser from
// cfg and starts the relay. Shutdown hooks release them in the order async
// queue, scheduler, recorder, stream.
func startHost(ctx context.Context, cfg *config.Config, bus domain.EventBus, log *slog.Logger) (*hostSession, error) {
	st := &hostStack{
		sessionID: ulid.Make().String(),
		source:    cfg.Host.Source,
		counters:  &domain.Counters{},
	}
	if st.source == "" {
		st.source = hostname()
	}

	var sinks []domain.AdvertisementSink
	if cfg.Host.Sink.Log {
		sinks = append(sinks, sink.NewLog(log.With("component", "sink"), slog.LevelInfo))
	}

	var recorder *sink.Recorder
	if cfg.Host.Sink.Record {
		var err error
		recorder, err = sink.NewRecorder(cfg.Recorder.Path, st.sessionID, st.source)
		if err != nil {
			return nil, fmt.Errorf("recorder: %w", err)
		}
		sinks = append(sinks, recorder)
	}

	st.sink = sink.NewFanout(sinks...)
	if q := cfg.Host.Sink.AsyncQueue; q > 0 {
		async := sink.NewAsync(st.sink, q, log.With("component", "sink"),
			sink.WithErrorHandler(func(adv domain.Advertisement, err error) {
				st.counters.IncDispatchFailed()
				log.Warn("sink dispatch failed", "address", adv.Address, "error", err)
			}))
		st.sink = async
		st.hook("async", async.Close)
	}

	if err := addScheduler(ctx, st, cfg, recorder, bus, log); err != nil {
		st.abort()
		if recorder != nil {
			_ = recorder.Close()
		}
		return nil, err
	}
	if recorder != nil {
		st.hook("recorder", recorder.Close)
	}

	var streamAddr net.Addr
	if cfg.Host.Stream.Enabled {
		srv := stream.NewServer(bus, cfg.Host.Stream.Addr, cfg.Host.Stream.ClientSend, log.With("component", "stream"))
		if err := srv.Start(); err != nil {
			st.abort()
			return nil, fmt.Errorf("stream: %w", err)
		}
		st.hook("stream", srv.Close)
		streamAddr = srv.Addr()
		log.Info("stream listening", "addr", streamAddr.String())
	}

	opts := append([]host.Option{
		host.WithEventBus(bus),
		host.WithCounters(st.counters),
	}, st.opts...)
	if cfg.Host.AdvertiseMDNS {
		opts = append(opts, host.WithAdvertiser(buildDiscoverer(log.With("component", "discovery"))))
	}

	relay := host.New(host.Config{
		BindAddr:   cfg.Host.BindAddr,
		Port:       cfg.Host.Port,
		ReadBuffer: cfg.Host.ReadBuffer,
		SessionID:  st.sessionID,
		Source:     st.source,
	}, st.sink, log.With("component", "relay"), opts...)

	h, err := relay.Start(ctx)
	if err != nil {
		st.abort()
		return nil, fmt.Errorf("relay: %w", err)
	}
	log.Info("bleproxy host started",
		"addr", h.Addr().String(),
		"session", h.SessionID(),
		"source", st.source,
		"sinks", len(sinks),
		"record", recorder != nil,
		"stream", cfg.Host.Stream.Enabled,
	)
	return &hostSession{Handle: h, streamAddr: streamAddr}, nil
}

// addScheduler registers the periodic stats report and recorder pruning when
// either is configured.
func addScheduler(ctx context.Context, st *hostStack, cfg *config.Config, recorder *sink.Recorder, bus domain.EventBus, log *slog.Logger) error {
	prune := recorder != nil && cfg.Recorder.Retention > 0
	if cfg.Host.StatsSchedule == "" && !prune {
		return nil
	}

	sched := scheduling.NewScheduler(log.With("component", "scheduler"))
	if cfg.Host.StatsSchedule != "" {
		sched.RegisterAction(scheduling.ActionStatsReport,
			scheduling.StatsReport(st.counters.Snapshot, bus, st.source, log.With("component", "stats")))
		if err := sched.AddTask(scheduling.ScheduledTask{
			Name:     "stats",
			Schedule: cfg.Host.StatsSchedule,
			Action:   scheduling.ActionStatsReport,
		}); err != nil {
			return err
		}
	}
	if prune {
		sched.RegisterAction(scheduling.ActionRecorderPrune,
			scheduling.RecorderPrune(recorder, cfg.Recorder.Retention, log.With("component", "recorder")))
		if err := sched.AddTask(scheduling.ScheduledTask{
			Name:     "recorder-prune",
			Schedule: pruneSchedule,
			Action:   scheduling.ActionRecorderPrune,
		}); err != nil {
			return err
		}
	}

	if err := sched.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	st.hook("scheduler", sched.Stop)
	return nil
}
