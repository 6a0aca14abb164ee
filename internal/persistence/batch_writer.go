// Package persistence batches order-attempt history into storage so that
// the placement path never waits on a database write.
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/order"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

// Sink persists one batch atomically. *db.Queries satisfies it.
type Sink interface {
	InsertAttempts(ctx context.Context, batch []db.Attempt) error
}

// BatchWriter buffers attempts and writes them in one transaction per flush.
type BatchWriter struct {
	sink        Sink
	buffer      []db.Attempt
	mu          sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     BatchWriterMetrics
	log         *zap.Logger
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer.
// maxSize: max attempts before auto-flush
// interval: time-based flush interval
func NewBatchWriter(sink Sink, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		sink:        sink,
		buffer:      make([]db.Attempt, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
		log:         logger.Named("persistence"),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// RecordAttempt implements order.AttemptRecorder.
func (bw *BatchWriter) RecordAttempt(a order.Attempt) {
	bw.Write(toRow(a))
}

// Write adds one row to the batch.
func (bw *BatchWriter) Write(row db.Attempt) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, row)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		if err := bw.Flush(context.Background()); err != nil {
			bw.log.Warn("size-triggered flush failed", zap.Error(err))
		}
	}
}

// Flush immediately writes all buffered rows. A failed batch is dropped.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}

	batch := bw.buffer
	bw.buffer = make([]db.Attempt, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ctx, batch)
}

func (bw *BatchWriter) executeBatch(ctx context.Context, batch []db.Attempt) error {
	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(batch)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)

	bw.mu.Lock()
	bw.metrics.LastBatchSize = len(batch)
	bw.metrics.LastFlushTime = time.Now()
	bw.mu.Unlock()

	if err := bw.sink.InsertAttempts(ctx, batch); err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		bw.log.Error("attempt batch failed", zap.Int("rows", len(batch)), zap.Error(err))
		return err
	}
	bw.log.Debug("attempt batch flushed", zap.Int("rows", len(batch)))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush(context.Background())
		case <-bw.done:
			// Final flush before shutdown
			_ = bw.Flush(context.Background())
			return
		}
	}
}

// Pending returns the number of buffered rows.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	bw.mu.Lock()
	size, at := bw.metrics.LastBatchSize, bw.metrics.LastFlushTime
	bw.mu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize: size,
		LastFlushTime: at,
	}
}

// Close flushes what is buffered and stops the background loop.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}

func toRow(a order.Attempt) db.Attempt {
	return db.Attempt{
		AccountID: a.Account,
		Broker:    a.Broker,
		Symbol:    a.Symbol,
		Side:      string(a.Side),
		IntentKey: a.IntentKey,
		ClientID:  a.ClientID,
		Number:    a.Number,
		Nonce:     a.Nonce,
		Qty:       a.Qty,
		Outcome:   string(a.Outcome),
		ErrorCode: a.ErrorCode,
		Error:     a.Error,
		LatencyMs: a.Latency.Milliseconds(),
		CreatedAt: a.At.UTC(),
	}
}
