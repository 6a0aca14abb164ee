package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/backoff"
	"execution-core/internal/blacklist"
	"execution-core/internal/broker"
	"execution-core/internal/capability"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/sim"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func noSleep(context.Context, time.Duration) error { return nil }

type pool struct {
	conn  *broker.Conn
	fails atomic.Int32
	calls atomic.Int32
}

func (p *pool) Conn(account, exchange string) (*broker.Conn, error) {
	p.calls.Add(1)
	if p.fails.Load() > 0 {
		p.fails.Add(-1)
		return nil, errors.New("gateway down")
	}
	if account != p.conn.Account() || exchange != p.conn.Exchange() {
		return nil, errors.New("unknown pair")
	}
	return p.conn, nil
}

func (p *pool) Get(account, exchange string) (broker.Connection, error) {
	return p.Conn(account, exchange)
}

type inbox struct {
	mu      sync.Mutex
	pending []order.Proposal
}

func (i *inbox) Pull(account, brokerID string, max int) []order.Proposal {
	i.mu.Lock()
	defer i.mu.Unlock()
	if max > len(i.pending) {
		max = len(i.pending)
	}
	out := i.pending[:max]
	i.pending = i.pending[max:]
	return out
}

type fixture struct {
	venue  *sim.Exchange
	conn   *broker.Conn
	pool   *pool
	ledger *ledger.Ledger
	safety *broker.Safety
	bus    *events.Bus
	engine *engine.Engine
	inbox  *inbox
	orch   *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	v := sim.New(sim.Config{Balance: d("1000")})
	v.SetPrice("BTC-USD", 100)
	v.SetPrice("ETH-USD", 10)

	matrix := capability.NewDefault()
	safety := broker.NewSafety(false, nil)
	conn := broker.NewConn(v, broker.Deps{Matrix: matrix, Safety: safety},
		broker.Options{Account: "acct", MaxAttempts: 3, RequestsPerSec: 1000, Sleep: noSleep})

	dust, err := blacklist.Open("")
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	book := ledger.New(nil, dust, ledger.Options{Bus: bus})
	stops := risk.NewMultiAccountManager(book, dust, nil)
	p := &pool{conn: conn}
	e, err := engine.New(engine.Config{MinConfidence: 0.5}, engine.Deps{
		Conns:  p,
		Ledger: book,
		Risk:   stops,
		Matrix: matrix,
		Safety: safety,
		Bus:    bus,
	})
	if err != nil {
		t.Fatal(err)
	}
	in := &inbox{}
	if cfg.CycleInterval == 0 {
		cfg.CycleInterval = 5 * time.Millisecond
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 5 * time.Millisecond
	}
	o := New(cfg, Deps{Conns: p, Engine: e, Book: book, Safety: safety, Stops: stops, Inbox: in, Bus: bus})
	o.Add("acct", conn.Exchange())
	return &fixture{venue: v, conn: conn, pool: p, ledger: book, safety: safety, bus: bus, engine: e, inbox: in, orch: o}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.orch.Start(ctx)
	t.Cleanup(func() {
		cancel()
		f.orch.Wait()
	})
}

func (f *fixture) buy(symbol, size string) order.Intent {
	return order.Intent{
		Account:        "acct",
		Broker:         f.conn.Exchange(),
		Symbol:         symbol,
		Side:           order.SideBuy,
		Size:           d(size),
		Urgency:        order.UrgencyNormal,
		IdempotencyKey: order.IdempotencyKey(),
		Source:         order.SourceSignal,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLoopExecutesQueuedIntent(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.orch.Enqueue("acct", f.conn.Exchange(), f.buy("BTC-USD", "1")); err != nil {
		t.Fatal(err)
	}
	f.start(t)

	waitFor(t, "position", func() bool {
		_, ok := f.ledger.Get("acct", f.conn.Exchange(), "BTC-USD")
		return ok
	})
	if s, _ := f.orch.State("acct", f.conn.Exchange()); s != StateActive {
		t.Fatalf("state = %s", s)
	}
	loops := f.orch.Loops()
	if len(loops) != 1 || loops[0].State != string(StateActive) {
		t.Fatalf("loops = %+v", loops)
	}
}

func TestEnqueueErrors(t *testing.T) {
	f := newFixture(t, Config{QueueSize: 1})
	if err := f.orch.Enqueue("other", f.conn.Exchange(), f.buy("BTC-USD", "1")); !errors.Is(err, ErrLoopNotFound) {
		t.Fatalf("unknown loop: %v", err)
	}
	if err := f.orch.Enqueue("acct", f.conn.Exchange(), f.buy("BTC-USD", "1")); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.Enqueue("acct", f.conn.Exchange(), f.buy("ETH-USD", "1")); !errors.Is(err, order.ErrQueueFull) {
		t.Fatalf("full queue: %v", err)
	}
}

func TestEmergencyDropsEntriesButRunsExits(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.engine.Submit(context.Background(), f.buy("BTC-USD", "1")); err != nil {
		t.Fatal(err)
	}
	pos, _ := f.ledger.Get("acct", f.conn.Exchange(), "BTC-USD")

	f.safety.SetEmergency(true)
	_ = f.orch.Enqueue("acct", f.conn.Exchange(), f.buy("ETH-USD", "1"))
	_ = f.orch.Enqueue("acct", f.conn.Exchange(), engine.ExitIntent(pos, pos.Qty, "operator", true))
	f.start(t)

	waitFor(t, "exit", func() bool {
		_, ok := f.ledger.Get("acct", f.conn.Exchange(), "BTC-USD")
		return !ok
	})
	waitFor(t, "queue drained", func() bool { return f.orch.Loops()[0].QueueDepth == 0 })
	if _, ok := f.ledger.Get("acct", f.conn.Exchange(), "ETH-USD"); ok {
		t.Fatal("entry executed during emergency")
	}
	if n := f.venue.Calls(sim.OpSubmit); n != 2 {
		t.Fatalf("submits = %d, want 2", n)
	}
}

func TestStopLossForcesExit(t *testing.T) {
	f := newFixture(t, Config{})
	forced, unsub := f.bus.Subscribe(events.EventForcedExit, 4)
	defer unsub()
	if _, err := f.engine.Submit(context.Background(), f.buy("BTC-USD", "1")); err != nil {
		t.Fatal(err)
	}
	f.venue.SetPrice("BTC-USD", 90)
	f.start(t)

	select {
	case msg := <-forced:
		n := msg.(events.PositionNotice)
		if n.Symbol != "BTC-USD" || n.Reason != "stop_loss" {
			t.Fatalf("notice = %+v", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no forced exit")
	}
	waitFor(t, "position closed", func() bool {
		_, ok := f.ledger.Get("acct", f.conn.Exchange(), "BTC-USD")
		return !ok
	})
}

func TestInboxProposalsAreAdmitted(t *testing.T) {
	f := newFixture(t, Config{})
	f.inbox.pending = []order.Proposal{
		{Account: "acct", Broker: f.conn.Exchange(), Symbol: "eth-usd", Side: common.SideBuy, Size: d("2"), Confidence: 0.9},
		{Account: "acct", Broker: f.conn.Exchange(), Symbol: "BTC-USD", Side: common.SideBuy, Size: d("1"), Confidence: 0.1},
	}
	f.start(t)

	waitFor(t, "admitted entry", func() bool {
		_, ok := f.ledger.Get("acct", f.conn.Exchange(), "ETH-USD")
		return ok
	})
	if _, ok := f.ledger.Get("acct", f.conn.Exchange(), "BTC-USD"); ok {
		t.Fatal("low-confidence proposal executed")
	}
}

func TestConnectFailureRestartsLoop(t *testing.T) {
	f := newFixture(t, Config{ConnectAttempts: 1})
	f.pool.fails.Store(2)
	states, unsub := f.bus.Subscribe(events.EventLoopState, 32)
	defer unsub()
	f.start(t)

	waitFor(t, "active", func() bool {
		s, _ := f.orch.State("acct", f.conn.Exchange())
		return s == StateActive
	})
	if f.pool.calls.Load() < 3 {
		t.Fatalf("connect calls = %d", f.pool.calls.Load())
	}
	sawDisconnect := false
	for len(states) > 0 {
		if sc := (<-states).(events.StateChange); sc.To == string(StateDisconnected) {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Fatal("no DISCONNECTED transition after failed connect")
	}
}

func TestDegradedLoopStillTransmitsExits(t *testing.T) {
	f := newFixture(t, Config{DegradedProbe: 5 * time.Millisecond})
	if _, err := f.engine.Submit(context.Background(), f.buy("BTC-USD", "1")); err != nil {
		t.Fatal(err)
	}
	pos, _ := f.ledger.Get("acct", f.conn.Exchange(), "BTC-USD")
	f.start(t)
	waitFor(t, "active", func() bool {
		s, _ := f.orch.State("acct", f.conn.Exchange())
		return s == StateActive
	})

	for i := 0; i < 100 && f.conn.Backoff().Available(); i++ {
		f.conn.Backoff().RecordOutcome(backoff.Failure)
	}
	waitFor(t, "degraded", func() bool {
		s, _ := f.orch.State("acct", f.conn.Exchange())
		return s == StateDegraded
	})

	before := f.venue.Calls(sim.OpSubmit)
	if err := f.orch.Enqueue("acct", f.conn.Exchange(), engine.ExitIntent(pos, pos.Qty, "stop_loss", false)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "exit transmitted", func() bool {
		_, ok := f.ledger.Get("acct", f.conn.Exchange(), "BTC-USD")
		return !ok
	})
	if f.venue.Calls(sim.OpSubmit) != before+1 {
		t.Fatalf("submits = %d, want %d", f.venue.Calls(sim.OpSubmit), before+1)
	}
	if s, _ := f.orch.State("acct", f.conn.Exchange()); s != StateDegraded {
		t.Fatalf("state = %s, want DEGRADED while the breaker is open", s)
	}
}
