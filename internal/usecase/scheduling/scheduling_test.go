package scheduling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"bleproxy/internal/domain"
	"bleproxy/internal/usecase/eventbus"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newTestLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionStatsReport, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	if err := s.AddTask(ScheduledTask{
		Name: "stats", Schedule: "50ms", Action: ActionStatsReport,
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("action fired %d times, expected at least 1", c)
	}
}

func TestSchedulerUnknownAction(t *testing.T) {
	s := NewScheduler(newTestLogger())

	err := s.AddTask(ScheduledTask{
		Name: "unknown", Schedule: "100ms", Action: "does_not_exist",
	})
	if err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestSchedulerStopHaltsTasks(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionStatsReport, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	s.AddTask(ScheduledTask{Name: "stats", Schedule: "50ms", Action: ActionStatsReport})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	cancel()
	s.Stop()

	countAfterStop := count.Load()
	time.Sleep(100 * time.Millisecond)

	if count.Load() != countAfterStop {
		t.Error("task continued after Stop")
	}
}

func TestSchedulerActionError(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionRecorderPrune, func(ctx context.Context) error {
		return fmt.Errorf("simulated error")
	})
	s.AddTask(ScheduledTask{Name: "failing", Schedule: "50ms", Action: ActionRecorderPrune})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSchedulerDoubleStop(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.Start(context.Background())

	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewScheduler(newTestLogger())
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop without start: %v", err)
	}
}

func TestParseSchedule(t *testing.T) {
	for _, in := range []string{"*/5 * * * *", "@every 30m", "@hourly", "30m", "100ms"} {
		sched, err := parseSchedule(in)
		if err != nil {
			t.Errorf("parseSchedule(%q): %v", in, err)
			continue
		}
		if sched == nil {
			t.Errorf("parseSchedule(%q): nil schedule", in)
		}
	}
}

func TestParseScheduleRejects(t *testing.T) {
	for _, in := range []string{"", "not-a-schedule", "-5m", "0s"} {
		if _, err := parseSchedule(in); err == nil {
			t.Errorf("parseSchedule(%q): expected error", in)
		}
	}
	if err := ValidateSchedule("1m"); err != nil {
		t.Errorf("ValidateSchedule(1m): %v", err)
	}
}

func TestConstantDelay(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := &constantDelay{delay: 250 * time.Millisecond}
	if got := d.Next(base); !got.Equal(base.Add(250 * time.Millisecond)) {
		t.Errorf("Next = %v", got)
	}
}

func TestStatsReportPublishes(t *testing.T) {
	bus := eventbus.New(newTestLogger(), 0)
	got := make(chan domain.Event, 1)
	bus.Subscribe(domain.EventStatsReported, func(_ context.Context, e domain.Event) { got <- e })

	var c domain.Counters
	c.IncReceived()
	c.IncReceived()
	c.IncDecoded()

	action := StatsReport(c.Snapshot, bus, "kitchen", newTestLogger())
	if err := action(context.Background()); err != nil {
		t.Fatalf("action: %v", err)
	}

	select {
	case e := <-got:
		if e.Stats == nil || e.Stats.Received != 2 || e.Stats.Decoded != 1 {
			t.Errorf("unexpected stats: %+v", e.Stats)
		}
		if e.Source != "kitchen" {
			t.Errorf("Source = %q", e.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("stats event not published")
	}
	bus.Close()
}

func TestStatsReportWithoutBus(t *testing.T) {
	action := StatsReport(func() domain.RelayStats { return domain.RelayStats{} }, nil, "", newTestLogger())
	if err := action(context.Background()); err != nil {
		t.Fatalf("action: %v", err)
	}
}

type fakePruner struct {
	cutoff time.Time
	err    error
}

func (f *fakePruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 3, f.err
}

func TestRecorderPrune(t *testing.T) {
	p := &fakePruner{}
	before := time.Now()
	if err := RecorderPrune(p, time.Hour, newTestLogger())(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	want := before.Add(-time.Hour)
	if p.cutoff.Before(want) || p.cutoff.After(time.Now().Add(-time.Hour)) {
		t.Errorf("cutoff %v not about one hour ago", p.cutoff)
	}

	p.err = errors.New("locked")
	if err := RecorderPrune(p, time.Hour, newTestLogger())(context.Background()); err == nil {
		t.Error("expected prune error")
	}
}
