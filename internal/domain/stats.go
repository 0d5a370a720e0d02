package domain

import "sync/atomic"

// RelayStats is a point-in-time copy of relay counters.
type RelayStats struct {
	Sent             uint64
	SendFailed       uint64
	Received         uint64
	Decoded          uint64
	DroppedMalformed uint64
	DroppedMissing   uint64
	DispatchFailed   uint64
}

// Counters accumulates relay statistics. The zero value is ready to use and
// safe for concurrent use.
type Counters struct {
	sent             atomic.Uint64
	sendFailed       atomic.Uint64
	received         atomic.Uint64
	decoded          atomic.Uint64
	droppedMalformed atomic.Uint64
	droppedMissing   atomic.Uint64
	dispatchFailed   atomic.Uint64
}

func (c *Counters) IncSent()           { c.sent.Add(1) }
func (c *Counters) IncSendFailed()     { c.sendFailed.Add(1) }
func (c *Counters) IncReceived()       { c.received.Add(1) }
func (c *Counters) IncDecoded()        { c.decoded.Add(1) }
func (c *Counters) IncDispatchFailed() { c.dispatchFailed.Add(1) }

// IncDropped records a decode rejection under the counter matching err.
func (c *Counters) IncDropped(err error) {
	if ErrorCodeOf(err) == CodeMissingRequired {
		c.droppedMissing.Add(1)
		return
	}
	c.droppedMalformed.Add(1)
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() RelayStats {
	return RelayStats{
		Sent:             c.sent.Load(),
		SendFailed:       c.sendFailed.Load(),
		Received:         c.received.Load(),
		Decoded:          c.decoded.Load(),
		DroppedMalformed: c.droppedMalformed.Load(),
		DroppedMissing:   c.droppedMissing.Load(),
		DispatchFailed:   c.dispatchFailed.Load(),
	}
}
