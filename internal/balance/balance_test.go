package balance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/events"
	"execution-core/pkg/exchanges/common"
)

type stubSource struct {
	calls atomic.Int32
	total decimal.Decimal
	err   error
}

func (s *stubSource) Balance(ctx context.Context) (common.Balance, error) {
	s.calls.Add(1)
	if s.err != nil {
		return common.Balance{}, s.err
	}
	return common.Balance{Asset: "USDT", Total: s.total, Available: s.total}, nil
}

func TestReserveAndRelease(t *testing.T) {
	src := &stubSource{total: decimal.NewFromInt(100)}
	mgr := NewManager("acct", "binance-spot", src)
	if !mgr.Stale(time.Minute) {
		t.Fatalf("unsynced cache should be stale")
	}
	if err := mgr.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := mgr.Reserve(decimal.NewFromInt(60)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := mgr.Reserve(decimal.NewFromInt(50)); err == nil {
		t.Fatalf("expected over-reservation to fail")
	}
	// Reservations survive a sync.
	if err := mgr.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := mgr.GetAvailable(); !got.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("available = %s", got)
	}
	mgr.Release(decimal.NewFromInt(100))
	if got := mgr.GetAvailable(); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("available after release = %s", got)
	}
}

func TestSyncErrorKeepsSnapshot(t *testing.T) {
	src := &stubSource{total: decimal.NewFromInt(10)}
	mgr := NewManager("acct", "kraken-spot", src)
	_ = mgr.Sync(context.Background())
	src.err = errors.New("boom")
	if err := mgr.Sync(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if got := mgr.GetBalance().Total; !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("snapshot lost: %s", got)
	}
}

func TestMultiAccountAggregates(t *testing.T) {
	m := NewMultiAccountManager()
	a := m.Register("acct", "binance-spot", &stubSource{total: decimal.NewFromInt(100)})
	b := m.Register("acct", "kraken-spot", &stubSource{total: decimal.NewFromInt(50)})
	m.Register("other", "binance-spot", &stubSource{total: decimal.NewFromInt(7)})
	if again := m.Register("acct", "binance-spot", nil); again != a {
		t.Fatalf("register returned a new manager")
	}

	m.SyncAccount(context.Background(), "acct")
	_ = b.Reserve(decimal.NewFromInt(20))

	if got := m.Equity("acct"); !got.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("equity = %s", got)
	}
	if got := m.Available("acct"); !got.Equal(decimal.NewFromInt(130)) {
		t.Fatalf("available = %s", got)
	}
	if got := len(m.Balances("acct")); got != 2 {
		t.Fatalf("balances = %d", got)
	}
	if got := m.Accounts(); len(got) != 2 || got[0] != "acct" {
		t.Fatalf("accounts = %v", got)
	}

	m.RemoveAccount("acct")
	if m.Count() != 1 || m.Get("acct", "kraken-spot") != nil {
		t.Fatalf("remove account left %d managers", m.Count())
	}
}

func TestListenSyncsOnPush(t *testing.T) {
	bus := events.NewBus()
	m := NewMultiAccountManager()
	src := &stubSource{total: decimal.NewFromInt(5)}
	m.Register("acct", "binance-spot", src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Listen(ctx, bus)

	bus.Publish(events.EventBalanceUpdated, events.BalanceChange{Account: "acct", Broker: "binance-spot", Asset: "USDT"})

	deadline := time.Now().Add(2 * time.Second)
	for src.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("push did not trigger a sync")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
