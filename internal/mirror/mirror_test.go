package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/broker"
	"execution-core/internal/capability"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/order"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/sim"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type conns map[string]broker.Connection

func (c conns) Exchanges(account string) []string {
	var out []string
	for k, conn := range c {
		if conn.Account() == account {
			out = append(out, k[len(account)+1:])
		}
	}
	return out
}

func (c conns) Get(account, exchange string) (broker.Connection, error) {
	conn, ok := c[account+"|"+exchange]
	if !ok {
		return nil, errors.New("no connection")
	}
	return conn, nil
}

type equity map[string]string

func (e equity) Equity(account string) decimal.Decimal {
	v, ok := e[account]
	if !ok {
		return decimal.Zero
	}
	return d(v)
}

type book map[string]ledger.Position

func (b book) Get(account, brokerID, symbol string) (ledger.Position, bool) {
	p, ok := b[account+"|"+brokerID+"|"+symbol]
	return p, ok
}

type loops struct {
	mu      sync.Mutex
	intents []order.Intent
}

func (l *loops) Enqueue(account, brokerID string, in order.Intent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intents = append(l.intents, in)
	return nil
}

func (l *loops) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.intents)
}

func newMirror(t *testing.T, held book) (*Mirror, *loops, *events.Bus) {
	t.Helper()
	matrix := capability.NewDefault()
	v := sim.New(sim.Config{Balance: d("500")})
	follower := broker.NewConn(v, broker.Deps{Matrix: matrix}, broker.Options{Account: "alice"})
	q := &loops{}
	bus := events.NewBus()
	m := New(Deps{
		Conns:   conns{"alice|sim-spot": follower},
		Matrix:  matrix,
		Equity:  equity{"platform": "1000", "alice": "500"},
		Book:    held,
		Loops:   q,
		Bus:     bus,
		Primary: "platform",
	}, []Follower{{Account: "alice", Multiplier: decimal.NewFromInt(1)}})
	return m, q, bus
}

func fill(side string, qty, after string) events.Fill {
	return events.Fill{
		Account:       "platform",
		Broker:        "sim-spot",
		Symbol:        "BTC-USD",
		Side:          side,
		Qty:           d(qty),
		Price:         d("100"),
		OrderID:       "order-1",
		Source:        string(order.SourceSignal),
		Exit:          side == string(common.SideSell),
		PositionAfter: d(after),
	}
}

func TestEntryIsSizedToFollowerEquity(t *testing.T) {
	m, q, _ := newMirror(t, book{})
	ds := m.OnFill(fill("BUY", "1", "1"))
	if len(ds) != 1 || ds[0].Result != ResultQueued {
		t.Fatalf("decisions = %+v", ds)
	}
	in := q.intents[0]
	if !in.Notional.Equal(d("50")) || !in.Size.IsZero() {
		t.Fatalf("notional = %s size = %s, want 50", in.Notional, in.Size)
	}
	if in.Source != order.SourceMirror || in.Broker != "sim-spot" || in.Account != "alice" {
		t.Fatalf("intent = %+v", in)
	}
	if in.IdempotencyKey != order.MirrorKey("order-1", "alice") {
		t.Fatal("mirror key not deterministic in (order, follower)")
	}
}

func TestUnsupportedSymbolIsSkippedNotSubstituted(t *testing.T) {
	m, q, _ := newMirror(t, book{})
	ds := m.OnFill(fill("SELL_SHORT", "1", "1"))
	if len(ds) != 1 || ds[0].Result != ResultUnsupported {
		t.Fatalf("decisions = %+v", ds)
	}
	if q.count() != 0 {
		t.Fatal("unsupported intent was queued")
	}
}

func TestExitClosesSameFraction(t *testing.T) {
	held := book{"alice|sim-spot|BTC-USD": {Account: "alice", Broker: "sim-spot", Symbol: "BTC-USD", Qty: d("2")}}
	m, q, _ := newMirror(t, held)

	// Primary sold 1 of 4: the follower sells a quarter of its 2.
	ds := m.OnFill(fill("SELL", "1", "3"))
	if ds[0].Result != ResultQueued || !q.intents[0].Size.Equal(d("0.5")) || !q.intents[0].ReduceOnly {
		t.Fatalf("decisions = %+v intents = %+v", ds, q.intents)
	}

	// A full close closes everything.
	ds = m.OnFill(fill("SELL", "3", "0"))
	if ds[0].Result != ResultQueued || !q.intents[1].Size.Equal(d("2")) {
		t.Fatalf("full close size = %s", q.intents[1].Size)
	}
}

func TestExitWithoutFollowerPositionIsSkipped(t *testing.T) {
	m, q, _ := newMirror(t, book{})
	ds := m.OnFill(fill("SELL", "1", "0"))
	if ds[0].Result != ResultSkipped || q.count() != 0 {
		t.Fatalf("decisions = %+v", ds)
	}
}

func TestIgnoresNonPrimaryAndMirroredFills(t *testing.T) {
	m, q, _ := newMirror(t, book{})
	f := fill("BUY", "1", "1")
	f.Source = string(order.SourceMirror)
	if ds := m.OnFill(f); ds != nil {
		t.Fatalf("mirrored fill produced %+v", ds)
	}
	f = fill("BUY", "1", "1")
	f.Account = "alice"
	if ds := m.OnFill(f); ds != nil {
		t.Fatalf("follower fill produced %+v", ds)
	}
	if q.count() != 0 {
		t.Fatal("intents queued")
	}
}

func TestStartConsumesFillEvents(t *testing.T) {
	m, q, bus := newMirror(t, book{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	bus.Publish(events.EventFillConfirmed, fill("BUY", "1", "1"))
	deadline := time.Now().Add(2 * time.Second)
	for q.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q.count() != 1 {
		t.Fatalf("queued = %d", q.count())
	}
}
