package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
)

func openTestDB(t *testing.T) *Queries {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	// A second run must be a no-op.
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to re-apply migrations: %v", err)
	}
	return database.Queries()
}

func TestQueriesRequireAccountID(t *testing.T) {
	q := openTestDB(t)
	ctx := context.Background()

	if _, err := q.PositionsByAccount(ctx, ""); !errors.Is(err, ErrAccountRequired) {
		t.Errorf("PositionsByAccount: expected ErrAccountRequired, got %v", err)
	}
	if err := q.UpsertPosition(ctx, Position{Symbol: "BTC-USD"}); !errors.Is(err, ErrAccountRequired) {
		t.Errorf("UpsertPosition: expected ErrAccountRequired, got %v", err)
	}
	if _, err := q.InsertFill(ctx, Fill{OrderID: "1"}); !errors.Is(err, ErrAccountRequired) {
		t.Errorf("InsertFill: expected ErrAccountRequired, got %v", err)
	}
	if err := q.InsertAttempts(ctx, []Attempt{{Symbol: "BTC-USD"}}); !errors.Is(err, ErrAccountRequired) {
		t.Errorf("InsertAttempts: expected ErrAccountRequired, got %v", err)
	}
}

func TestPositionRoundTripAndIsolation(t *testing.T) {
	q := openTestDB(t)
	ctx := context.Background()
	opened := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rows := []Position{
		{AccountID: "acct-a", Broker: "binance-spot", Symbol: "BTC-USDT", Qty: decimal.RequireFromString("0.00123456"),
			EntryPrice: decimal.RequireFromString("64000.5"), Direction: "LONG", Status: "OPEN", OpenedAt: opened},
		{AccountID: "acct-a", Broker: "kraken-spot", Symbol: "ETH-USD", Qty: decimal.NewFromInt(2),
			EntryPrice: decimal.NewFromInt(3000), Direction: "LONG", Status: "OPEN", OpenedAt: opened},
		{AccountID: "acct-b", Broker: "binance-spot", Symbol: "BTC-USDT", Qty: decimal.NewFromInt(1),
			EntryPrice: decimal.NewFromInt(60000), Direction: "LONG", Status: "OPEN", OpenedAt: opened},
	}
	for _, p := range rows {
		if err := q.UpsertPosition(ctx, p); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := q.PositionsByAccount(ctx, "acct-a")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 positions for acct-a, got %d", len(got))
	}
	if !got[0].Qty.Equal(decimal.RequireFromString("0.00123456")) {
		t.Errorf("qty lost precision: %s", got[0].Qty)
	}
	if !got[0].OpenedAt.Equal(opened) {
		t.Errorf("opened_at = %v, want %v", got[0].OpenedAt, opened)
	}

	zombie := rows[1]
	zombie.Status = "ZOMBIE"
	zombie.MissedPasses = 1
	if err := q.UpsertPosition(ctx, zombie); err != nil {
		t.Fatalf("update: %v", err)
	}
	p, err := q.GetPosition(ctx, "acct-a", "kraken-spot", "ETH-USD")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != "ZOMBIE" || p.MissedPasses != 1 {
		t.Errorf("unexpected row %+v", p)
	}

	if err := q.DeletePosition(ctx, "acct-a", "kraken-spot", "ETH-USD"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := q.GetPosition(ctx, "acct-a", "kraken-spot", "ETH-USD"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	all, err := q.AllPositions(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 rows in ledger, got %d", len(all))
	}
}

func TestInsertFillIsIdempotent(t *testing.T) {
	q := openTestDB(t)
	ctx := context.Background()
	f := Fill{OrderID: "9001", AccountID: "acct-a", Broker: "binance-spot", Symbol: "BTC-USDT", Side: "BUY",
		Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(100), ClientID: "c1", IntentKey: "k1", Source: "signal"}

	inserted, err := q.InsertFill(ctx, f)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = q.InsertFill(ctx, f)
	if err != nil || inserted {
		t.Fatalf("duplicate insert: inserted=%v err=%v", inserted, err)
	}
	fills, err := q.FillsByAccount(ctx, "acct-a", 10)
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(fills) != 1 || fills[0].IntentKey != "k1" {
		t.Fatalf("unexpected fills %+v", fills)
	}
}

func TestAttemptsAndReports(t *testing.T) {
	q := openTestDB(t)
	ctx := context.Background()

	batch := []Attempt{
		{AccountID: "acct-a", Broker: "sim-spot", Symbol: "ETH-USD", Side: "BUY", Number: 1, Nonce: 10, Qty: "1", Outcome: "RATE_LIMITED", ErrorCode: "RATE_LIMITED"},
		{AccountID: "acct-a", Broker: "sim-spot", Symbol: "ETH-USD", Side: "BUY", Number: 2, Nonce: 1000011, Qty: "1", Outcome: "FILLED", LatencyMs: 12},
	}
	if err := q.InsertAttempts(ctx, batch); err != nil {
		t.Fatalf("insert attempts: %v", err)
	}
	got, err := q.AttemptsByAccount(ctx, "acct-a", 10)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(got) != 2 || got[0].Number != 2 || got[0].Nonce != 1000011 {
		t.Fatalf("unexpected attempts %+v", got)
	}

	if err := q.InsertReport(ctx, Report{AccountID: "acct-a", Broker: "sim-spot", Tracked: 3, Live: 2, Zombies: 1}); err != nil {
		t.Fatalf("insert report: %v", err)
	}
	reports, err := q.LatestReports(ctx, "acct-a", 5)
	if err != nil {
		t.Fatalf("reports: %v", err)
	}
	if len(reports) != 1 || reports[0].Zombies != 1 {
		t.Fatalf("unexpected reports %+v", reports)
	}
}

func TestInsertAttemptsRollsBackOnFailure(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer raw.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO order_attempts")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	q := Wrap(raw).Queries()
	err = q.InsertAttempts(context.Background(), []Attempt{
		{AccountID: "a", Broker: "b", Symbol: "X-USD", Side: "BUY", Number: 1, Qty: "1", Outcome: "FILLED"},
		{AccountID: "a", Broker: "b", Symbol: "X-USD", Side: "BUY", Number: 2, Qty: "1", Outcome: "FILLED"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQueryErrorsAreWrapped(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer raw.Close()

	boom := errors.New("database is locked")
	mock.ExpectQuery("SELECT account_id, broker, symbol").WillReturnError(boom)
	mock.ExpectExec("INSERT INTO fills").WillReturnError(boom)

	q := NewQueries(raw)
	if _, err := q.PositionsByAccount(context.Background(), "a"); !errors.Is(err, boom) {
		t.Errorf("positions: expected wrapped error, got %v", err)
	}
	if _, err := q.InsertFill(context.Background(), Fill{OrderID: "1", AccountID: "a"}); !errors.Is(err, boom) {
		t.Errorf("fill: expected wrapped error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
