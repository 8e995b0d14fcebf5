package main

import (
	"context"
	"sync"
	"time"

	"github.com/civiclens/capitol-ingest/internal/metrics"
	"github.com/civiclens/capitol-ingest/internal/service/pipeline"
)

// eventFanout delivers each run event to every sink.
type eventFanout []pipeline.EventSink

func (f eventFanout) Broadcast(eventType string, data any) {
	for _, s := range f {
		s.Broadcast(eventType, data)
	}
}

// telemetrySink translates run events into OpenTelemetry recordings. Phase
// durations are measured between consecutive phase events and closed out by
// the summary or failure event that ends the run.
type telemetrySink struct {
	reg *metrics.Registry
	now func() time.Time

	mu         sync.Mutex
	phase      string
	phaseStart time.Time
}

func newTelemetrySink(reg *metrics.Registry) *telemetrySink {
	return &telemetrySink{reg: reg, now: time.Now}
}

func (s *telemetrySink) Broadcast(eventType string, data any) {
	ctx := context.Background()

	switch eventType {
	case pipeline.EventPhase:
		m, ok := data.(map[string]string)
		if !ok {
			return
		}
		s.endPhase(ctx)
		s.beginPhase(m["phase"])

	case pipeline.EventSummary:
		summary, ok := data.(*pipeline.Summary)
		if !ok {
			return
		}
		s.endPhase(ctx)
		s.reg.RecordRunCompleted(ctx, summary.Duration.Seconds(), metrics.RunTotals{
			URLs:       int64(summary.URLs),
			Downloaded: int64(summary.Downloaded),
			Failed:     int64(summary.Failed),
			Parsed:     int64(summary.Parsed),
			Upserted:   int64(summary.Upserted),
		})

	case pipeline.EventRunFailed:
		s.endPhase(ctx)
		s.reg.RecordRunFailed(ctx)
	}
}

func (s *telemetrySink) beginPhase(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = name
	s.phaseStart = s.now()
}

// endPhase records the duration of the phase in flight, if any.
func (s *telemetrySink) endPhase(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == "" {
		return
	}
	s.reg.RecordPhaseDuration(ctx, s.phase, s.now().Sub(s.phaseStart).Seconds())
	s.phase = ""
}
