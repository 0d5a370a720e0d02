package domain

import (
	"context"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Host side.
	EventRelayListening        EventType = "relay.listening"
	EventRelayClosed           EventType = "relay.closed"
	EventAdvertisementReceived EventType = "advertisement.received"
	EventAdvertisementDropped  EventType = "advertisement.dropped"
	EventStatsReported         EventType = "stats.reported"

	// Agent side.
	EventScanStarted        EventType = "scan.started"
	EventScanStopped        EventType = "scan.stopped"
	EventAdvertisementSent  EventType = "advertisement.sent"
	EventSendFailed         EventType = "advertisement.send_failed"
	EventCircuitStateChange EventType = "circuit.state_change"
)

// Event is the envelope published on the event bus. Only the fields relevant
// to Type are populated.
type Event struct {
	Type      EventType
	Timestamp time.Time
	SessionID string
	Source    string

	Advertisement *Advertisement // advertisement.received
	Address       string         // advertisement.sent / send_failed
	Reason        ErrorCode      // advertisement.dropped / send_failed
	Detail        string
	Peer          string // datagram sender, when known
	Stats         *RelayStats
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for relay events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
