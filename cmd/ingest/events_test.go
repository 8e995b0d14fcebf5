package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiclens/capitol-ingest/internal/metrics"
	"github.com/civiclens/capitol-ingest/internal/service/pipeline"
)

type recordingSink struct {
	types []string
}

func (r *recordingSink) Broadcast(eventType string, data any) {
	r.types = append(r.types, eventType)
}

func TestEventFanoutDeliversToEverySink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	fanout := eventFanout{a, b}

	fanout.Broadcast(pipeline.EventPhase, map[string]string{"phase": pipeline.PhaseDownload})
	fanout.Broadcast(pipeline.EventSummary, &pipeline.Summary{})

	assert.Equal(t, []string{pipeline.EventPhase, pipeline.EventSummary}, a.types)
	assert.Equal(t, []string{pipeline.EventPhase, pipeline.EventSummary}, b.types)
}

func newTestTelemetrySink(t *testing.T) *telemetrySink {
	t.Helper()
	// The global meter provider defaults to a no-op, so instrument
	// recordings here are exercised without an exporter.
	reg, err := metrics.NewRegistry("capitol-ingest-test")
	require.NoError(t, err)
	return newTelemetrySink(reg)
}

func TestTelemetrySinkTracksPhaseTransitions(t *testing.T) {
	sink := newTestTelemetrySink(t)
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return clock }

	sink.Broadcast(pipeline.EventPhase, map[string]string{"phase": pipeline.PhaseDiscovery})
	assert.Equal(t, pipeline.PhaseDiscovery, sink.phase)

	clock = clock.Add(3 * time.Second)
	sink.Broadcast(pipeline.EventPhase, map[string]string{"phase": pipeline.PhaseDownload})
	assert.Equal(t, pipeline.PhaseDownload, sink.phase)

	clock = clock.Add(time.Second)
	sink.Broadcast(pipeline.EventSummary, &pipeline.Summary{Duration: 4 * time.Second})
	assert.Empty(t, sink.phase, "summary closes out the open phase")
}

func TestTelemetrySinkRunFailureClosesPhase(t *testing.T) {
	sink := newTestTelemetrySink(t)

	sink.Broadcast(pipeline.EventPhase, map[string]string{"phase": pipeline.PhaseExtract})
	sink.Broadcast(pipeline.EventRunFailed, map[string]string{"run_id": "x", "error": "boom"})

	assert.Empty(t, sink.phase)
}

func TestTelemetrySinkIgnoresUnexpectedPayloads(t *testing.T) {
	sink := newTestTelemetrySink(t)

	// Shape mismatches and unknown events are dropped, never panic.
	sink.Broadcast(pipeline.EventPhase, "not a map")
	sink.Broadcast(pipeline.EventSummary, 42)
	sink.Broadcast(pipeline.EventProgress, struct{}{})
	sink.Broadcast("someday_new_event", nil)

	assert.Empty(t, sink.phase)
}
