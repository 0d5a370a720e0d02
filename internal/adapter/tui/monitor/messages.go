// Package monitor implements a Bubble Tea live view of a running relay host:
// counters, the devices heard so far and the most recent drops.
package monitor

import (
	"time"

	"bleproxy/internal/domain"
)

// EventBusMsg wraps a domain.Event from the EventBus subscription.
type EventBusMsg struct {
	Event domain.Event
}

// TickMsg refreshes counters and the device table.
type TickMsg time.Time
