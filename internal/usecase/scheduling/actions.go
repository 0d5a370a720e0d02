package scheduling

import (
	"context"
	"log/slog"
	"time"

	"bleproxy/internal/domain"
)

// StatsReport returns an action that logs the current counters and publishes
// them as a stats.reported event. bus may be nil.
func StatsReport(stats func() domain.RelayStats, bus domain.EventBus, source string, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		s := stats()
		logger.Info("relay stats",
			"received", s.Received,
			"decoded", s.Decoded,
			"dropped_malformed", s.DroppedMalformed,
			"dropped_missing", s.DroppedMissing,
			"dispatch_failed", s.DispatchFailed,
			"sent", s.Sent,
			"send_failed", s.SendFailed,
		)
		if bus != nil {
			bus.Publish(ctx, domain.Event{
				Type:      domain.EventStatsReported,
				Timestamp: time.Now(),
				Source:    source,
				Stats:     &s,
			})
		}
		return nil
	}
}

// Pruner deletes stored records older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// RecorderPrune returns an action deleting records older than retention.
func RecorderPrune(p Pruner, retention time.Duration, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := p.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("recorder pruned", "rows", n, "retention", retention)
		}
		return nil
	}
}
