// Package sink provides AdvertisementSink implementations for the host: a
// structured log sink, a bounded async hand-off, fan-out, and a SQLite recorder.
package sink

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"bleproxy/internal/domain"
)

// Log writes every advertisement to a structured logger.
type Log struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLog creates a log sink emitting at level.
func NewLog(logger *slog.Logger, level slog.Level) *Log {
	return &Log{logger: logger, level: level}
}

// Dispatch logs adv. It never fails.
func (l *Log) Dispatch(ctx context.Context, adv domain.Advertisement) error {
	if !l.logger.Enabled(ctx, l.level) {
		return nil
	}
	attrs := []slog.Attr{
		slog.String("address", adv.Address),
		slog.Duration("observed_at", adv.ObservedAt),
	}
	if adv.Name != nil {
		attrs = append(attrs, slog.String("name", *adv.Name))
	}
	if adv.RSSI != nil {
		attrs = append(attrs, slog.Int("rssi", *adv.RSSI))
	}
	if adv.TxPower != nil {
		attrs = append(attrs, slog.Int("tx_power", *adv.TxPower))
	}
	if len(adv.ServiceUUIDs) > 0 {
		attrs = append(attrs, slog.Any("service_uuids", adv.ServiceUUIDs))
	}
	for id, b := range adv.ManufacturerData {
		attrs = append(attrs, slog.String(fmt.Sprintf("mfr_%04x", id), hex.EncodeToString(b)))
	}
	for u, b := range adv.ServiceData {
		attrs = append(attrs, slog.String("svc_"+u, hex.EncodeToString(b)))
	}
	l.logger.LogAttrs(ctx, l.level, "advertisement", attrs...)
	return nil
}

var _ domain.AdvertisementSink = (*Log)(nil)
