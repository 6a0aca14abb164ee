package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/backoff"
	"execution-core/internal/broker"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
)

// State of one (account, broker) loop.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateActive       State = "ACTIVE"
	StateDegraded     State = "DEGRADED"
)

type loop struct {
	o       *Orchestrator
	account string
	broker  string
	queue   *order.Queue
	log     *zap.Logger

	mu    sync.RWMutex
	state State
	since time.Time
	conn  *broker.Conn
}

func newLoop(o *Orchestrator, account, brokerID string) *loop {
	return &loop{
		o:       o,
		account: account,
		broker:  brokerID,
		queue:   order.NewQueue(o.cfg.QueueSize),
		log:     o.log.With(zap.String("account", account), zap.String("broker", brokerID)),
		state:   StateDisconnected,
		since:   time.Now(),
	}
}

func (l *loop) current() (State, time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state, l.since
}

func (l *loop) transition(to State, reason string) {
	l.mu.Lock()
	from := l.state
	if from == to {
		l.mu.Unlock()
		return
	}
	l.state = to
	l.since = time.Now()
	l.mu.Unlock()

	l.log.Info("loop state changed", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
	monitor.LoopState.WithLabelValues(l.account, l.broker, string(from)).Set(0)
	monitor.LoopState.WithLabelValues(l.account, l.broker, string(to)).Set(1)
	if l.o.deps.Bus != nil {
		l.o.deps.Bus.Publish(events.EventLoopState, events.StateChange{
			Account: l.account, Broker: l.broker, From: string(from), To: string(to), Reason: reason,
		})
	}
}

func (l *loop) enqueue(in order.Intent) error {
	err := l.queue.TryEnqueue(in)
	monitor.QueueDepth.WithLabelValues(l.account, l.broker).Set(float64(l.queue.Len()))
	if err != nil {
		l.log.Warn("intent dropped: queue full", zap.String("symbol", in.Symbol), zap.String("urgency", string(in.Urgency)))
	}
	return err
}

func (l *loop) view() engine.LoopView {
	state, since := l.current()
	v := engine.LoopView{
		Account:    l.account,
		Broker:     l.broker,
		State:      string(state),
		QueueDepth: l.queue.Len(),
		Since:      since,
	}
	l.mu.RLock()
	if l.conn != nil {
		v.Backoff = l.conn.Backoff().Stats()
	}
	l.mu.RUnlock()
	return v
}

// run restarts the session after every failure until ctx ends.
func (l *loop) run(ctx context.Context) {
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			l.transition(StateDisconnected, "shutdown")
			return
		}
		l.transition(StateDisconnected, err.Error())
		l.log.Warn("loop stopped; restarting after cooldown", zap.Duration("cooldown", l.o.cfg.Cooldown), zap.Error(err))
		if !sleep(ctx, l.o.cfg.Cooldown) {
			l.transition(StateDisconnected, "shutdown")
			return
		}
	}
}

// session connects and cycles until an error, a panic or shutdown.
func (l *loop) session(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	l.transition(StateConnecting, "connect")
	conn, err := l.connect(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.transition(StateActive, "connected")

	for {
		interval := l.o.cfg.CycleInterval
		if conn.AuthFailed() || !conn.Available() {
			l.transition(StateDegraded, degradedReason(conn))
		}
		if state, _ := l.current(); state == StateDegraded {
			if l.probe(ctx, conn) {
				l.transition(StateActive, "probe ok")
			} else {
				interval = l.o.cfg.DegradedProbe
			}
		}
		l.cycle(ctx, conn)
		if pause := conn.Backoff().ShouldPause(); pause > interval {
			interval = pause
		}
		if !sleep(ctx, interval) {
			return ctx.Err()
		}
	}
}

func degradedReason(conn *broker.Conn) string {
	if conn.AuthFailed() {
		return "auth failure"
	}
	return "exchange unavailable"
}

// connect waits a jittered delay so accounts starting together spread their
// first authenticated calls, then reads the balance with bounded retries.
func (l *loop) connect(ctx context.Context) (*broker.Conn, error) {
	if j := l.o.cfg.ConnectJitter; j > 0 {
		if !sleep(ctx, time.Duration(rand.Int63n(int64(j)))) {
			return nil, ctx.Err()
		}
	}
	var lastErr error
	for attempt := 1; attempt <= l.o.cfg.ConnectAttempts; attempt++ {
		conn, err := l.o.deps.Conns.Conn(l.account, l.broker)
		if err == nil {
			if _, err = conn.Balance(ctx); err == nil {
				conn.Backoff().Warmup()
				return conn, nil
			}
			if conn.AuthFailed() {
				return nil, fmt.Errorf("connect: %w", err)
			}
		}
		lastErr = err
		l.log.Warn("connect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		delay := backoff.DefaultConfig().RetryBase << (attempt - 1)
		if conn != nil {
			delay = conn.Backoff().RetryDelay(attempt)
		}
		if attempt < l.o.cfg.ConnectAttempts && !sleep(ctx, delay) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("connect after %d attempts: %w", l.o.cfg.ConnectAttempts, lastErr)
}

func (l *loop) probe(ctx context.Context, conn *broker.Conn) bool {
	if conn.AuthFailed() {
		return false
	}
	if err := conn.Probe(ctx); err != nil {
		l.log.Debug("degraded probe failed", zap.Error(err))
		return false
	}
	return conn.Available()
}

// cycle runs one pass. The emergency flag is read once here and carried on
// every intent the pass drains.
func (l *loop) cycle(ctx context.Context, conn *broker.Conn) {
	emergency := l.o.deps.Safety.Emergency()
	state, _ := l.current()
	entries := state == StateActive && !emergency
	batch := conn.Backoff().NextBatchSize()
	clean := true

	if entries && l.o.deps.Inbox != nil {
		for _, p := range l.o.deps.Inbox.Pull(l.account, l.broker, batch) {
			in, err := l.o.deps.Engine.Admit(p)
			if err != nil {
				l.log.Info("proposal refused", zap.String("symbol", p.Symbol), zap.Error(err))
				continue
			}
			_ = l.enqueue(in)
		}
	}

	for _, in := range l.queue.Take(batch) {
		if !entries && !in.IsExit() {
			l.log.Warn("entry dropped while entries are suspended",
				zap.String("symbol", in.Symbol), zap.String("state", string(state)), zap.Bool("emergency", emergency))
			continue
		}
		in.Emergency = emergency
		start := time.Now()
		_, err := l.o.deps.Engine.Submit(ctx, in)
		if m := l.o.deps.Metrics; m != nil {
			m.OrderLatency.RecordDuration(time.Since(start))
		}
		if err != nil {
			switch broker.CodeOf(err) {
			case broker.CodeRateLimited, broker.CodeUnavailable, broker.CodeAuthFailure:
				clean = false
			}
		}
	}
	monitor.QueueDepth.WithLabelValues(l.account, l.broker).Set(float64(l.queue.Len()))

	if !l.refreshMarks(ctx, conn, batch) {
		clean = false
	}
	l.checkStops(ctx, emergency)

	if l.o.deps.Balances != nil {
		if err := l.o.deps.Balances.SyncPair(ctx, l.account, l.broker); err != nil {
			l.log.Debug("balance sync failed", zap.Error(err))
		}
	}
	conn.Backoff().CompleteCycle(clean)
}

// refreshMarks prices up to batch of this broker's positions.
func (l *loop) refreshMarks(ctx context.Context, conn *broker.Conn, batch int) bool {
	ok := true
	positions := l.o.deps.Book.PositionsOn(l.account, l.broker)
	for i, p := range positions {
		if i >= batch {
			break
		}
		px, err := conn.Price(ctx, p.Symbol)
		if err != nil {
			ok = false
			continue
		}
		l.o.deps.Book.UpdateMark(l.account, l.broker, p.Symbol, px)
	}
	return ok
}

// checkStops routes each crossed stop to the loop of the position's broker
// as a FORCED exit.
func (l *loop) checkStops(ctx context.Context, emergency bool) {
	if l.o.deps.Stops == nil {
		return
	}
	for _, trig := range l.o.deps.Stops.CheckStops(l.account) {
		pos, ok := l.o.deps.Book.Get(l.account, trig.Broker, trig.Symbol)
		if !ok || pos.Status != ledger.StatusOpen {
			continue
		}
		if err := l.o.deps.Book.SetStatus(ctx, l.account, trig.Broker, trig.Symbol, ledger.StatusClosing); err != nil {
			l.log.Warn("persist closing status failed", zap.String("symbol", trig.Symbol), zap.Error(err))
		}
		l.log.Warn("stop crossed; forcing exit", zap.String("position_broker", trig.Broker),
			zap.String("symbol", trig.Symbol), zap.String("reason", trig.Reason))
		in := engine.ExitIntent(pos, trig.Qty, "stop_loss", emergency)
		if err := l.o.Enqueue(l.account, trig.Broker, in); err != nil {
			_ = l.o.deps.Book.SetStatus(ctx, l.account, trig.Broker, trig.Symbol, ledger.StatusOpen)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
