package analytics

import (
	"context"
	"testing"

	"github.com/MrWong99/flowone/internal/observe"
	"github.com/MrWong99/flowone/internal/protocol"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestAggregator_Accumulates(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	ctx := context.Background()

	events := []protocol.Event{
		protocol.SpeechFinal{Meta: protocol.Meta{LatencyMS: f64(120)}},
		protocol.AgentSpeechDelta{Meta: protocol.Meta{Tokens: i64(3)}},
		protocol.AgentSpeech{Meta: protocol.Meta{LatencyMS: f64(80), Tokens: i64(7)}},
		protocol.AgentSpeechDone{},
		protocol.AgentSpeech{},
	}
	for _, ev := range events {
		a.Observe(ctx, ev)
	}

	got := a.Snapshot()
	want := Snapshot{LatencyMS: 80, HasLatency: true, Tokens: 10, Turns: 2}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestAggregator_NoFieldsNoChange(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	if a.Observe(context.Background(), protocol.Unknown{Raw: []byte(`{}`)}) {
		t.Error("Observe reported a change for an event without analytics fields")
	}
	if got := a.Snapshot(); got != (Snapshot{}) {
		t.Errorf("Snapshot() = %+v, want zero", got)
	}
}

func TestAggregator_TokensNeverDecrease(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	ctx := context.Background()
	a.Observe(ctx, protocol.AgentSpeechDelta{Meta: protocol.Meta{Tokens: i64(5)}})
	a.Observe(ctx, protocol.AgentSpeechDelta{Meta: protocol.Meta{Tokens: i64(-3)}})

	if got := a.Snapshot().Tokens; got != 5 {
		t.Errorf("Tokens = %d, want 5", got)
	}
}

func TestAggregator_Reset(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	a.Observe(context.Background(), protocol.AgentSpeech{Meta: protocol.Meta{LatencyMS: f64(1), Tokens: i64(1)}})
	a.Reset()
	if got := a.Snapshot(); got != (Snapshot{}) {
		t.Errorf("Snapshot() after Reset = %+v, want zero", got)
	}
}

func TestAggregator_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	a := NewAggregator(WithMetrics(m))
	a.Observe(context.Background(), protocol.AgentSpeech{Meta: protocol.Meta{LatencyMS: f64(250), Tokens: i64(4)}})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			seen[met.Name] = true
		}
	}
	for _, name := range []string{"flowone.agent.latency", "flowone.agent.tokens", "flowone.agent.turns"} {
		if !seen[name] {
			t.Errorf("metric %q was not recorded", name)
		}
	}
}

func TestCorrelator_LastWriteWins(t *testing.T) {
	t.Parallel()

	var c Correlator
	if c.TraceID() != "" {
		t.Fatalf("TraceID() = %q before any observation, want empty", c.TraceID())
	}
	if !c.Observe(protocol.AgentSpeech{Meta: protocol.Meta{TraceID: "a"}}) {
		t.Error("first id should report a change")
	}
	if c.Observe(protocol.AgentSpeech{}) {
		t.Error("event without trace id should not change the correlator")
	}
	if !c.ObserveID("b") {
		t.Error("new id from response body should report a change")
	}
	if c.ObserveID("b") {
		t.Error("repeating the same id should not report a change")
	}
	if got := c.TraceID(); got != "b" {
		t.Errorf("TraceID() = %q, want b", got)
	}
	c.Reset()
	if got := c.TraceID(); got != "" {
		t.Errorf("TraceID() after Reset = %q, want empty", got)
	}
}
