package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"execution-core/internal/order"
	"execution-core/pkg/db"
)

type memSink struct {
	mu      sync.Mutex
	batches [][]db.Attempt
	err     error
}

func (s *memSink) InsertAttempts(ctx context.Context, batch []db.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *memSink) rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestSizeTriggeredFlush(t *testing.T) {
	sink := &memSink{}
	bw := NewBatchWriter(sink, 3, time.Hour)
	defer bw.Close()

	for i := 1; i <= 3; i++ {
		bw.RecordAttempt(order.Attempt{Account: "acct", Broker: "sim-spot", Number: i, Outcome: order.OutcomeFilled})
	}
	if got := sink.rows(); got != 3 {
		t.Fatalf("rows = %d, want 3", got)
	}
	if bw.Pending() != 0 {
		t.Fatalf("pending = %d", bw.Pending())
	}
	m := bw.GetMetrics()
	if m.TotalBatches != 1 || m.LastBatchSize != 3 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestCloseFlushesRemainder(t *testing.T) {
	sink := &memSink{}
	bw := NewBatchWriter(sink, 100, time.Hour)
	bw.RecordAttempt(order.Attempt{Account: "acct", Outcome: order.OutcomeRateLimited, Latency: 1500 * time.Millisecond})
	if err := bw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if sink.rows() != 1 {
		t.Fatalf("rows = %d", sink.rows())
	}
	if got := sink.batches[0][0].LatencyMs; got != 1500 {
		t.Fatalf("latency = %d", got)
	}
}

func TestFailedBatchCounted(t *testing.T) {
	sink := &memSink{err: errors.New("disk full")}
	bw := NewBatchWriter(sink, 100, time.Hour)
	defer bw.Close()
	bw.RecordAttempt(order.Attempt{Account: "acct"})
	if err := bw.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}
	if got := bw.GetMetrics().TotalErrors; got != 1 {
		t.Fatalf("errors = %d", got)
	}
}

func TestWritesThroughSQLite(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := database.Queries()
	bw := NewBatchWriter(q, 10, time.Hour)
	bw.RecordAttempt(order.Attempt{Account: "acct", Broker: "sim-spot", Symbol: "BTC-USD", Side: order.SideBuy, Number: 1, Nonce: 42, Qty: "0.5", Outcome: order.OutcomeFilled, At: time.Now()})
	if err := bw.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	_ = bw.Close()

	rows, err := q.AttemptsByAccount(context.Background(), "acct", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Nonce != 42 || rows[0].Outcome != "FILLED" {
		t.Fatalf("rows = %+v", rows)
	}
}
