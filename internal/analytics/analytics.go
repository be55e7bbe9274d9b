// Package analytics rolls up per-session latency, token and turn counters
// from session events and tracks the most recent backend trace identifier.
//
// Neither type is safe for concurrent use on its own; the session controller
// serializes all calls under its lock.
package analytics

import (
	"context"

	"github.com/MrWong99/flowone/internal/observe"
	"github.com/MrWong99/flowone/internal/protocol"
)

// Snapshot is a point-in-time copy of the aggregated counters.
type Snapshot struct {
	// LatencyMS is the last latency reported by the backend.
	LatencyMS float64

	// HasLatency reports whether any event has carried a latency yet.
	HasLatency bool

	// Tokens is the cumulative token count.
	Tokens int64

	// Turns is the number of finalized agent turns.
	Turns int64
}

// Aggregator accumulates a [Snapshot] from observed events. Tokens and turns
// never decrease between resets; latency is last-write-wins.
type Aggregator struct {
	snap    Snapshot
	metrics *observe.Metrics
}

// AggregatorOption is a functional option for [NewAggregator].
type AggregatorOption func(*Aggregator)

// WithMetrics records every observation on m in addition to the snapshot.
func WithMetrics(m *observe.Metrics) AggregatorOption {
	return func(a *Aggregator) { a.metrics = m }
}

// NewAggregator returns an empty Aggregator.
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Observe folds ev into the running counters and reports whether the
// snapshot changed.
func (a *Aggregator) Observe(ctx context.Context, ev protocol.Event) bool {
	meta := ev.Metadata()
	changed := false

	if meta.LatencyMS != nil {
		a.snap.LatencyMS = *meta.LatencyMS
		a.snap.HasLatency = true
		changed = true
		if a.metrics != nil {
			a.metrics.AgentLatency.Record(ctx, *meta.LatencyMS/1000)
		}
	}
	if meta.Tokens != nil && *meta.Tokens > 0 {
		a.snap.Tokens += *meta.Tokens
		changed = true
		if a.metrics != nil {
			a.metrics.Tokens.Add(ctx, *meta.Tokens)
		}
	}
	if _, ok := ev.(protocol.AgentSpeech); ok {
		a.snap.Turns++
		changed = true
		if a.metrics != nil {
			a.metrics.AgentTurns.Add(ctx, 1)
		}
	}
	return changed
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() Snapshot { return a.snap }

// Reset zeroes all counters.
func (a *Aggregator) Reset() { a.snap = Snapshot{} }

// Correlator remembers the most recently seen backend trace identifier.
type Correlator struct {
	last string
}

// Observe records the trace id carried by ev, if any, and reports whether
// the stored id changed.
func (c *Correlator) Observe(ev protocol.Event) bool {
	return c.ObserveID(ev.Metadata().TraceID)
}

// ObserveID records id when it is non-empty. It is used for ids taken from
// HTTP response bodies.
func (c *Correlator) ObserveID(id string) bool {
	if id == "" || id == c.last {
		return false
	}
	c.last = id
	return true
}

// TraceID returns the last observed id, or "" when none has been seen.
func (c *Correlator) TraceID() string { return c.last }

// Reset forgets the stored id.
func (c *Correlator) Reset() { c.last = "" }
