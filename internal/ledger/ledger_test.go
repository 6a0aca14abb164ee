package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/blacklist"
	"execution-core/internal/broker"
	"execution-core/internal/events"
	"execution-core/internal/order"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T, withStore bool) (*Ledger, *db.Queries, *events.Bus) {
	t.Helper()
	bl, err := blacklist.Open("")
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	var store Store
	var q *db.Queries
	if withStore {
		database, err := db.New(":memory:")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { database.Close() })
		if err := db.ApplyMigrations(database); err != nil {
			t.Fatal(err)
		}
		q = database.Queries()
		store = q
	}
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(store, bl, Options{DustFloorUSD: dec("1"), Bus: bus, Now: func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}})
	return l, q, bus
}

func buy(l *Ledger, t *testing.T, account, brk, sym, qty, px, orderID string) {
	t.Helper()
	if _, _, err := l.RecordFill(context.Background(), Fill{
		Account: account, Broker: brk, Symbol: sym, Side: common.SideBuy,
		Qty: dec(qty), Price: dec(px), OrderID: orderID,
	}); err != nil {
		t.Fatalf("record fill: %v", err)
	}
}

func TestRecordFillIsIdempotent(t *testing.T) {
	l, q, _ := newTestLedger(t, true)
	ctx := context.Background()
	f := Fill{Account: "a", Broker: "sim-spot", Symbol: "BTC-USD", Side: common.SideBuy, Qty: dec("1"), Price: dec("100"), OrderID: "42"}

	if _, applied, err := l.RecordFill(ctx, f); err != nil || !applied {
		t.Fatalf("first fill: applied=%v err=%v", applied, err)
	}
	if _, applied, err := l.RecordFill(ctx, f); err != nil || applied {
		t.Fatalf("duplicate fill: applied=%v err=%v", applied, err)
	}
	p, _ := l.Get("a", "sim-spot", "BTC-USD")
	if !p.Qty.Equal(dec("1")) {
		t.Fatalf("qty = %s, want 1", p.Qty)
	}

	// A restarted ledger still refuses the stored fill.
	bl, _ := blacklist.Open("")
	fresh := New(q, bl, Options{})
	if err := fresh.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, applied, _ := fresh.RecordFill(ctx, f); applied {
		t.Fatal("fill applied twice across restart")
	}
	p, ok := fresh.Get("a", "sim-spot", "BTC-USD")
	if !ok || !p.Qty.Equal(dec("1")) {
		t.Fatalf("reloaded position %+v", p)
	}
}

func TestFillsAverageAndClose(t *testing.T) {
	l, q, _ := newTestLedger(t, true)
	ctx := context.Background()
	buy(l, t, "a", "sim-spot", "ETH-USD", "1", "100", "1")
	buy(l, t, "a", "sim-spot", "ETH-USD", "1", "200", "2")

	p, _ := l.Get("a", "sim-spot", "ETH-USD")
	if !p.Qty.Equal(dec("2")) || !p.EntryPrice.Equal(dec("150")) {
		t.Fatalf("unexpected position %+v", p)
	}

	closed, applied, err := l.RecordFill(ctx, Fill{Account: "a", Broker: "sim-spot", Symbol: "ETH-USD", Side: common.SideSell, Qty: dec("2"), Price: dec("160"), OrderID: "3"})
	if err != nil || !applied {
		t.Fatalf("sell: %v", err)
	}
	if closed.Status != StatusClosed || !closed.Qty.IsZero() {
		t.Fatalf("closed = %+v", closed)
	}
	if _, ok := l.Get("a", "sim-spot", "ETH-USD"); ok {
		t.Fatal("closed position still tracked")
	}
	if rows, _ := q.PositionsByAccount(ctx, "a"); len(rows) != 0 {
		t.Fatalf("closed position persisted: %+v", rows)
	}
}

func TestOversellNeverGoesNegative(t *testing.T) {
	l, _, _ := newTestLedger(t, false)
	buy(l, t, "a", "sim-spot", "ETH-USD", "1", "100", "1")
	pos, _, err := l.RecordFill(context.Background(), Fill{Account: "a", Broker: "sim-spot", Symbol: "ETH-USD", Side: common.SideSell, Qty: dec("3"), Price: dec("100"), OrderID: "2"})
	if err != nil {
		t.Fatal(err)
	}
	if pos.Qty.IsNegative() {
		t.Fatalf("negative qty %s", pos.Qty)
	}
}

func TestZombieRemovedAfterSecondMissingPass(t *testing.T) {
	l, _, bus := newTestLedger(t, true)
	ctx := context.Background()
	zombies, unsubZ := bus.Subscribe(events.EventPositionZombie, 4)
	defer unsubZ()
	removed, unsubR := bus.Subscribe(events.EventPositionRemoved, 4)
	defer unsubR()

	buy(l, t, "acct", "kraken-spot", "ETH-USD", "2", "3000", "e1")
	buy(l, t, "acct", "kraken-spot", "BTC-USD", "0.1", "60000", "b1")
	live := []broker.Position{{Symbol: "BTC-USD", Qty: dec("0.1"), MarkPrice: dec("61000")}}

	rep, err := l.Reconcile(ctx, "acct", "kraken-spot", live)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Zombies != 1 || rep.Removed != 0 {
		t.Fatalf("first pass %+v", rep)
	}
	p, ok := l.Get("acct", "kraken-spot", "ETH-USD")
	if !ok || p.Status != StatusZombie {
		t.Fatalf("ETH-USD should be ZOMBIE, got %+v", p)
	}
	if l.CountOpen("acct") != 1 {
		t.Fatalf("zombie must not count toward the cap")
	}
	if exits := l.EnforceCap(ctx, "acct", 1); len(exits) != 0 {
		t.Fatalf("exit attempted for zombie: %+v", exits)
	}

	rep, err = l.Reconcile(ctx, "acct", "kraken-spot", live)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Removed != 1 {
		t.Fatalf("second pass %+v", rep)
	}
	if _, ok := l.Get("acct", "kraken-spot", "ETH-USD"); ok {
		t.Fatal("ETH-USD still tracked after confirmation pass")
	}

	if n := (<-zombies).(events.PositionNotice); n.Symbol != "ETH-USD" {
		t.Fatalf("zombie notice %+v", n)
	}
	if n := (<-removed).(events.PositionNotice); n.Symbol != "ETH-USD" || n.Reason != "zombie_confirmed" {
		t.Fatalf("removed notice %+v", n)
	}
}

func TestZombieRevivesWhenHoldingReturns(t *testing.T) {
	l, _, _ := newTestLedger(t, false)
	ctx := context.Background()
	buy(l, t, "acct", "sim-spot", "ETH-USD", "1", "10", "1")

	if _, err := l.Reconcile(ctx, "acct", "sim-spot", nil); err != nil {
		t.Fatal(err)
	}
	rep, err := l.Reconcile(ctx, "acct", "sim-spot", []broker.Position{{Symbol: "ETH-USD", Qty: dec("1.5"), MarkPrice: dec("12")}})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Revived != 1 || rep.Healed != 1 {
		t.Fatalf("report %+v", rep)
	}
	p, _ := l.Get("acct", "sim-spot", "ETH-USD")
	if p.Status != StatusOpen || !p.Qty.Equal(dec("1.5")) || p.MissedPasses != 0 {
		t.Fatalf("position %+v", p)
	}
}

func TestReconcileAdoptsUntrackedHoldings(t *testing.T) {
	l, _, _ := newTestLedger(t, false)
	rep, err := l.Reconcile(context.Background(), "acct", "binance-spot", []broker.Position{
		{Symbol: "SOL-USDT", Qty: dec("3"), EntryPrice: dec("140"), MarkPrice: dec("150")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Adopted != 1 {
		t.Fatalf("report %+v", rep)
	}
	p, ok := l.Get("acct", "binance-spot", "SOL-USDT")
	if !ok || !p.EntryPrice.Equal(dec("140")) || p.Direction != common.Long {
		t.Fatalf("adopted %+v", p)
	}
}

func TestCapIsPerAccountAcrossBrokers(t *testing.T) {
	l, _, _ := newTestLedger(t, false)
	ctx := context.Background()
	id := 0
	next := func() string { id++; return fmt.Sprint(id) }

	for i, v := range []string{"500", "400", "300", "200", "100"} {
		buy(l, t, "acct", "broker-a", fmt.Sprintf("A%d-USD", i), "1", v, next())
	}
	for i, v := range []string{"450", "350", "250", "50"} {
		buy(l, t, "acct", "broker-b", fmt.Sprintf("B%d-USD", i), "1", v, next())
	}
	// Another account's positions never count.
	for i := 0; i < 10; i++ {
		buy(l, t, "other", "broker-a", fmt.Sprintf("O%d-USD", i), "1", "1", next())
	}

	exits := l.EnforceCap(ctx, "acct", 8)
	if len(exits) != 1 {
		t.Fatalf("exits = %d, want 1", len(exits))
	}
	ex := exits[0]
	if ex.Broker != "broker-b" || ex.Symbol != "B3-USD" {
		t.Fatalf("expected smallest position B3-USD on broker-b, got %s on %s", ex.Symbol, ex.Broker)
	}
	if ex.Urgency != order.UrgencyForced || ex.Side != common.SideSell || !ex.Size.Equal(dec("1")) || ex.Source != order.SourceCap {
		t.Fatalf("unexpected intent %+v", ex)
	}

	// The victim is CLOSING, so a second pass issues nothing new.
	if again := l.EnforceCap(ctx, "acct", 8); len(again) != 0 {
		t.Fatalf("duplicate exits: %+v", again)
	}
}

func TestCapTieBreaksOnPnLThenAge(t *testing.T) {
	l, _, _ := newTestLedger(t, false)
	ctx := context.Background()
	buy(l, t, "acct", "x", "OLD-USD", "1", "100", "1")
	buy(l, t, "acct", "x", "LOSER-USD", "2", "100", "2")
	buy(l, t, "acct", "x", "NEW-USD", "1", "100", "3")
	l.UpdateMark("acct", "x", "LOSER-USD", dec("50")) // value 100, pnl -100
	l.UpdateMark("acct", "x", "OLD-USD", dec("100"))
	l.UpdateMark("acct", "x", "NEW-USD", dec("100"))

	exits := l.EnforceCap(ctx, "acct", 1)
	if len(exits) != 2 || exits[0].Symbol != "LOSER-USD" || exits[1].Symbol != "OLD-USD" {
		t.Fatalf("unexpected ranking %+v", exits)
	}
}

func TestDustIsPermanent(t *testing.T) {
	l, _, _ := newTestLedger(t, false)
	ctx := context.Background()
	buy(l, t, "acct", "sim-spot", "DOGE-USD", "10", "0.1", "1")
	buy(l, t, "acct", "sim-spot", "ETH-USD", "1", "100", "2")

	rep, err := l.Reconcile(ctx, "acct", "sim-spot", []broker.Position{
		{Symbol: "DOGE-USD", Qty: dec("5"), MarkPrice: dec("0.1")},
		{Symbol: "ETH-USD", Qty: dec("1"), MarkPrice: dec("100")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Dust != 1 || !l.Dust().Contains("acct", "DOGE-USD") {
		t.Fatalf("dust not blacklisted: %+v", rep)
	}
	if l.CountOpen("acct") != 1 {
		t.Fatalf("count = %d, want 1", l.CountOpen("acct"))
	}

	for pass := 0; pass < 3; pass++ {
		if _, err := l.Reconcile(ctx, "acct", "sim-spot", []broker.Position{
			{Symbol: "DOGE-USD", Qty: dec("5000"), MarkPrice: dec("0.1")},
			{Symbol: "ETH-USD", Qty: dec("1"), MarkPrice: dec("100")},
		}); err != nil {
			t.Fatal(err)
		}
		if l.CountOpen("acct") != 1 {
			t.Fatalf("pass %d: dust counted again", pass)
		}
	}
	if exits := l.EnforceCap(ctx, "acct", 1); len(exits) != 0 {
		t.Fatalf("dust triggered cap exit: %+v", exits)
	}

	if _, err := l.Dust().Remove("acct", "DOGE-USD"); err != nil {
		t.Fatal(err)
	}
	if l.CountOpen("acct") != 2 {
		t.Fatal("cleared symbol should count again")
	}
}

func TestShortPositionLifecycle(t *testing.T) {
	l, _, _ := newTestLedger(t, false)
	ctx := context.Background()
	if _, _, err := l.RecordFill(ctx, Fill{Account: "a", Broker: "sim-perp", Symbol: "BTC-USD-PERP", Side: common.SideSellShort, Qty: dec("1"), Price: dec("100"), OrderID: "s1"}); err != nil {
		t.Fatal(err)
	}
	l.UpdateMark("a", "sim-perp", "BTC-USD-PERP", dec("90"))
	p, _ := l.Get("a", "sim-perp", "BTC-USD-PERP")
	if p.Direction != common.Short || !p.PnL().Equal(dec("10")) {
		t.Fatalf("short %+v pnl %s", p, p.PnL())
	}
	exits := l.EnforceCap(ctx, "a", 0)
	if exits != nil {
		t.Fatal("zero cap disables enforcement")
	}
	if _, _, err := l.RecordFill(ctx, Fill{Account: "a", Broker: "sim-perp", Symbol: "BTC-USD-PERP", Side: common.SideBuy, Qty: dec("1"), Price: dec("90"), OrderID: "s2"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.Get("a", "sim-perp", "BTC-USD-PERP"); ok {
		t.Fatal("covered short still tracked")
	}
}
