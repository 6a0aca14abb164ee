package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/pkg/logger"
)

// Monitor turns bus events into counters and operator log lines.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
}

// Start subscribes to the bus until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	log := logger.Named("monitor")
	if m.Bus == nil || m.Metrics == nil {
		log.Warn("monitor not fully configured; skipping")
		return
	}
	topics := []events.Event{
		events.EventFillConfirmed,
		events.EventOrderRejected,
		events.EventOrderEscalated,
		events.EventForcedExit,
		events.EventPositionZombie,
		events.EventDustBlacklisted,
		events.EventLoopState,
	}
	for _, topic := range topics {
		stream, unsub := m.Bus.Subscribe(topic, 256)
		go func(topic events.Event) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					m.handle(log, topic, msg)
				}
			}
		}(topic)
	}
	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				DroppedEvents.Set(float64(m.Bus.Dropped()))
			}
		}
	}()
}

func (m *Monitor) handle(log *zap.Logger, topic events.Event, msg any) {
	switch v := msg.(type) {
	case events.Fill:
		m.Metrics.IncFills()
	case events.Rejection:
		m.Metrics.IncRejections()
		if topic == events.EventOrderEscalated {
			m.Metrics.IncEscalations()
			log.Error("order escalated to manual review",
				zap.String("account", v.Account), zap.String("broker", v.Broker),
				zap.String("symbol", v.Symbol), zap.String("reason", v.Reason))
		}
	case events.PositionNotice:
		if topic == events.EventForcedExit {
			m.Metrics.IncForcedExits()
			ForcedExits.WithLabelValues(v.Account, v.Reason).Inc()
		}
		log.Info(string(topic), zap.String("account", v.Account), zap.String("broker", v.Broker),
			zap.String("symbol", v.Symbol), zap.String("reason", v.Reason))
	case events.StateChange:
		LoopState.WithLabelValues(v.Account, v.Broker, v.From).Set(0)
		LoopState.WithLabelValues(v.Account, v.Broker, v.To).Set(1)
	}
}
