package tracer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"bleproxy/internal/domain"
	"bleproxy/internal/infra/config"
)

func TestSetupNoopProvider(t *testing.T) {
	cases := []config.TracerConfig{
		{Enabled: false, Exporter: "stdout"},
		{Enabled: true, Exporter: "noop"},
		{Enabled: true, Exporter: ""},
	}
	for _, cfg := range cases {
		shutdown, err := Setup(context.Background(), cfg, "host")
		require.NoError(t, err)
		_, ok := otel.GetTracerProvider().(noop.TracerProvider)
		assert.True(t, ok, "%+v: got %T", cfg, otel.GetTracerProvider())
		require.NoError(t, shutdown(context.Background()))
	}
}

func TestSetupStdout(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout", SampleRatio: 0.5}, "agent")
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"}, "host")
	assert.ErrorContains(t, err, "unsupported exporter")
}

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestDatagramDelivered(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartDatagram(context.Background(), "192.168.1.5:40000", 120)
	span.Decoded("AA:BB:CC:DD:EE:FF")
	span.Succeeded(OutcomeDelivered)
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	s := ended[0]
	assert.Equal(t, SpanDatagram, s.Name())
	assert.Equal(t, trace.SpanKindConsumer, s.SpanKind())
	assert.Equal(t, codes.Ok, s.Status().Code)

	a := attrs(s)
	assert.Equal(t, "192.168.1.5:40000", a["net.peer"].AsString())
	assert.Equal(t, int64(120), a["datagram.size"].AsInt64())
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", a["ble.address"].AsString())
	assert.Equal(t, OutcomeDelivered, a["relay.outcome"].AsString())
}

func TestDatagramDroppedRecordsCode(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartDatagram(context.Background(), "peer", 3)
	span.Failed(OutcomeDropped, domain.NewDomainError("Decoder.Decode", domain.ErrMalformed, "not json"))
	span.End()

	s := rec.Ended()[0]
	assert.Equal(t, codes.Error, s.Status().Code)
	a := attrs(s)
	assert.Equal(t, OutcomeDropped, a["relay.outcome"].AsString())
	assert.Equal(t, string(domain.CodeMalformed), a["error.code"].AsString())
	require.Len(t, s.Events(), 1, "error recorded as a span event")
}

func TestSendSpan(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSend(context.Background(), "11:22:33:44:55:66")
	span.Failed(OutcomeSendFailed, domain.ErrCircuitOpen)
	span.End()

	s := rec.Ended()[0]
	assert.Equal(t, SpanSend, s.Name())
	assert.Equal(t, trace.SpanKindProducer, s.SpanKind())
	a := attrs(s)
	assert.Equal(t, "11:22:33:44:55:66", a["ble.address"].AsString())
	assert.Equal(t, string(domain.CodeCircuitOpen), a["error.code"].AsString())
}
