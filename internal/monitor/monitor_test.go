package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"execution-core/internal/events"
)

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(4)
	for _, v := range []float64{10, 20, 30, 40, 50} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 4 || s.Min != 20 || s.Max != 50 {
		t.Fatalf("stats = %+v", s)
	}
	if s.Avg != 35 {
		t.Fatalf("avg = %v", s.Avg)
	}
}

func TestMonitorCountsEvents(t *testing.T) {
	bus := events.NewBus()
	m := &Monitor{Bus: bus, Metrics: NewSystemMetrics()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	bus.Publish(events.EventFillConfirmed, events.Fill{Account: "a"})
	bus.Publish(events.EventOrderEscalated, events.Rejection{Account: "a", Code: "UNKNOWN"})
	bus.Publish(events.EventForcedExit, events.PositionNotice{Account: "mon-test", Reason: "cap"})
	bus.Publish(events.EventLoopState, events.StateChange{Account: "mon-test", Broker: "sim", From: "CONNECTING", To: "ACTIVE"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := m.Metrics.Snapshot()
		if s.Fills == 1 && s.Escalations == 1 && s.ForcedExits == 1 &&
			testutil.ToFloat64(LoopState.WithLabelValues("mon-test", "sim", "ACTIVE")) == 1 {
			if got := testutil.ToFloat64(ForcedExits.WithLabelValues("mon-test", "cap")); got != 1 {
				t.Fatalf("forced exit counter = %v", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("events not counted: %+v", m.Metrics.Snapshot())
}
