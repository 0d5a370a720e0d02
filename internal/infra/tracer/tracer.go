// Package tracer traces the relay's unit of work: one advertisement sent by
// the agent, one datagram handled by the host.
package tracer

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"bleproxy/internal/domain"
	"bleproxy/internal/infra/config"
)

const tracerName = "bleproxy"

// Span names.
const (
	SpanSend     = "relay.send"
	SpanDatagram = "relay.datagram"
)

// Outcomes recorded in the relay.outcome attribute.
const (
	OutcomeSent           = "sent"
	OutcomeSendFailed     = "send_failed"
	OutcomeDelivered      = "delivered"
	OutcomeDropped        = "dropped"
	OutcomeDispatchFailed = "dispatch_failed"
)

// Setup installs the global tracer provider for role ("agent" or "host") and
// returns its shutdown function. Disabled tracing and the noop exporter
// install a noop provider. Spans go to stderr, away from the agent's verbose
// record output on stdout.
func Setup(ctx context.Context, cfg config.TracerConfig, role string) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == "noop" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}
	if cfg.Exporter != "stdout" {
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", tracerName),
		attribute.String("bleproxy.role", role),
	)

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Span is one traced relay step. The zero value is not usable; obtain one
// from StartSend or StartDatagram. Exactly one outcome method should be
// called before End.
type Span struct {
	span trace.Span
}

// StartSend starts the agent-side span for one advertisement.
func StartSend(ctx context.Context, address string) (context.Context, Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, SpanSend,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("ble.address", address)),
	)
	return ctx, Span{span: span}
}

// StartDatagram starts the host-side span for one received datagram.
func StartDatagram(ctx context.Context, peer string, size int) (context.Context, Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, SpanDatagram,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("net.peer", peer),
			attribute.Int("datagram.size", size),
		),
	)
	return ctx, Span{span: span}
}

// Decoded records the address of the advertisement a datagram carried.
func (s Span) Decoded(address string) {
	s.span.SetAttributes(attribute.String("ble.address", address))
}

// Succeeded marks the step done with outcome (OutcomeSent or OutcomeDelivered).
func (s Span) Succeeded(outcome string) {
	s.span.SetAttributes(attribute.String("relay.outcome", outcome))
	s.span.SetStatus(codes.Ok, "")
}

// Failed records err with its domain error code and outcome.
func (s Span) Failed(outcome string, err error) {
	s.span.SetAttributes(
		attribute.String("relay.outcome", outcome),
		attribute.String("error.code", string(domain.ErrorCodeOf(err))),
	)
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End finishes the span.
func (s Span) End() { s.span.End() }
