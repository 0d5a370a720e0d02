package domain

import (
	"context"
	"time"
)

// RawAdvertisement is one advertisement event as produced by a scan driver.
// Optional fields are nil when the advertiser did not include them.
type RawAdvertisement struct {
	Address          string
	Name             *string
	RSSI             *int
	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
	ServiceUUIDs     []string
	TxPower          *int
}

// Advertisement is a relayed advertisement reconstructed on the receiving side.
// It is built once by the decoder and handed to a sink by value; nothing in the
// relay keeps a reference to it after dispatch.
type Advertisement struct {
	Address          string
	Name             *string
	RSSI             *int
	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
	ServiceUUIDs     []string
	TxPower          *int

	// ObservedAt is the monotonic offset from the start of the receiver
	// session at which the record was decoded. Strictly increasing per session.
	ObservedAt time.Duration
}

// Raw returns the advertisement without its receive timestamp.
func (a Advertisement) Raw() RawAdvertisement {
	return RawAdvertisement{
		Address:          a.Address,
		Name:             a.Name,
		RSSI:             a.RSSI,
		ManufacturerData: a.ManufacturerData,
		ServiceData:      a.ServiceData,
		ServiceUUIDs:     a.ServiceUUIDs,
		TxPower:          a.TxPower,
	}
}

// AdvertisementSink ingests decoded advertisements on the consuming side.
type AdvertisementSink interface {
	Dispatch(ctx context.Context, adv Advertisement) error
}

// SinkFunc adapts a function to AdvertisementSink.
type SinkFunc func(ctx context.Context, adv Advertisement) error

// Dispatch calls f.
func (f SinkFunc) Dispatch(ctx context.Context, adv Advertisement) error { return f(ctx, adv) }

// PositionalCallback is the host-style advertisement callback. Arguments are
// passed in a fixed order: address, rssi, name, service UUIDs, service data,
// manufacturer data, tx power, details (always empty), observed-at seconds.
type PositionalCallback func(
	address string,
	rssi *int,
	name *string,
	serviceUUIDs []string,
	serviceData map[string][]byte,
	manufacturerData map[uint16][]byte,
	txPower *int,
	details map[string]any,
	observedAt float64,
)

// PositionalSink wraps a PositionalCallback as an AdvertisementSink.
func PositionalSink(cb PositionalCallback) AdvertisementSink {
	return SinkFunc(func(_ context.Context, adv Advertisement) error {
		cb(
			adv.Address,
			adv.RSSI,
			adv.Name,
			adv.ServiceUUIDs,
			adv.ServiceData,
			adv.ManufacturerData,
			adv.TxPower,
			map[string]any{},
			adv.ObservedAt.Seconds(),
		)
		return nil
	})
}

// ScanHandler receives raw advertisements from an active scan session.
// It may be called concurrently from driver goroutines.
type ScanHandler func(raw RawAdvertisement)

// Scanner wraps a platform BLE scanning capability.
type Scanner interface {
	// StartScan begins a scan session delivering advertisements to h.
	// The session ends when Stop is called or ctx is done.
	StartScan(ctx context.Context, h ScanHandler) (ScanSession, error)
	// Close releases the underlying adapter.
	Close() error
}

// ScanSession is an active scan. Stop is idempotent and returns only after
// the driver has stopped scanning.
type ScanSession interface {
	Stop() error
	// Done is closed once the driver has stopped scanning, whether through
	// Stop, context cancellation or a driver failure.
	Done() <-chan struct{}
}
