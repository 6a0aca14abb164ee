// Package db stores the position ledger, fills, order attempts and
// reconciliation reports. Every query is scoped to an account.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAccountRequired = errors.New("account_id is required")
	ErrNotFound        = errors.New("record not found")
)

// Queries provides account-scoped queries.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a new Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Position Queries
// ----------------------------------------

// UpsertPosition stores the latest state of one ledger row.
func (q *Queries) UpsertPosition(ctx context.Context, p Position) error {
	if p.AccountID == "" {
		return ErrAccountRequired
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO positions (account_id, broker, symbol, qty, entry_price, direction, status, missed_passes, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, broker, symbol) DO UPDATE SET
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			direction = excluded.direction,
			status = excluded.status,
			missed_passes = excluded.missed_passes,
			opened_at = excluded.opened_at,
			updated_at = CURRENT_TIMESTAMP
	`, p.AccountID, p.Broker, p.Symbol, p.Qty, p.EntryPrice, p.Direction, p.Status, p.MissedPasses, p.OpenedAt)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// DeletePosition removes a ledger row.
func (q *Queries) DeletePosition(ctx context.Context, accountID, broker, symbol string) error {
	if accountID == "" {
		return ErrAccountRequired
	}
	if _, err := q.db.ExecContext(ctx, `
		DELETE FROM positions WHERE account_id = ? AND broker = ? AND symbol = ?
	`, accountID, broker, symbol); err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// PositionsByAccount returns every ledger row of one account.
func (q *Queries) PositionsByAccount(ctx context.Context, accountID string) ([]Position, error) {
	if accountID == "" {
		return nil, ErrAccountRequired
	}
	return q.positions(ctx, `WHERE account_id = ?`, accountID)
}

// AllPositions loads the whole ledger at startup.
func (q *Queries) AllPositions(ctx context.Context) ([]Position, error) {
	return q.positions(ctx, "")
}

func (q *Queries) positions(ctx context.Context, where string, args ...any) ([]Position, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT account_id, broker, symbol, qty, entry_price, direction, status,
		       COALESCE(missed_passes, 0), opened_at, updated_at
		FROM positions `+where+`
		ORDER BY account_id, broker, symbol
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.AccountID, &p.Broker, &p.Symbol, &p.Qty, &p.EntryPrice, &p.Direction,
			&p.Status, &p.MissedPasses, &p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ----------------------------------------
// Fill Queries
// ----------------------------------------

// InsertFill records a fill once. inserted is false when the (broker,
// order id) pair was already stored.
func (q *Queries) InsertFill(ctx context.Context, f Fill) (inserted bool, err error) {
	if f.AccountID == "" {
		return false, ErrAccountRequired
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO fills (order_id, account_id, broker, symbol, side, qty, price, fee, client_id, intent_key, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(broker, order_id) DO NOTHING
	`, f.OrderID, f.AccountID, f.Broker, f.Symbol, f.Side, f.Qty, f.Price, f.Fee, f.ClientID, f.IntentKey, f.Source, f.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert fill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert fill: %w", err)
	}
	return n > 0, nil
}

// FillsByAccount returns the newest fills first.
func (q *Queries) FillsByAccount(ctx context.Context, accountID string, limit int) ([]Fill, error) {
	if accountID == "" {
		return nil, ErrAccountRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT order_id, account_id, broker, symbol, side, qty, price, COALESCE(fee, '0'),
		       COALESCE(client_id, ''), COALESCE(intent_key, ''), COALESCE(source, ''), created_at
		FROM fills
		WHERE account_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var fills []Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.OrderID, &f.AccountID, &f.Broker, &f.Symbol, &f.Side, &f.Qty, &f.Price, &f.Fee,
			&f.ClientID, &f.IntentKey, &f.Source, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ----------------------------------------
// Attempt Queries
// ----------------------------------------

// InsertAttempts writes a batch in one transaction.
func (q *Queries) InsertAttempts(ctx context.Context, batch []Attempt) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO order_attempts (account_id, broker, symbol, side, intent_key, client_id, attempt, nonce, qty,
		                            outcome, error_code, error, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare attempts: %w", err)
	}
	defer stmt.Close()

	for _, a := range batch {
		if a.AccountID == "" {
			_ = tx.Rollback()
			return ErrAccountRequired
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, a.AccountID, a.Broker, a.Symbol, a.Side, a.IntentKey, a.ClientID,
			a.Number, a.Nonce, a.Qty, a.Outcome, a.ErrorCode, a.Error, a.LatencyMs, a.CreatedAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert attempt: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit attempts: %w", err)
	}
	return nil
}

// AttemptsByAccount returns the newest attempts first.
func (q *Queries) AttemptsByAccount(ctx context.Context, accountID string, limit int) ([]Attempt, error) {
	if accountID == "" {
		return nil, ErrAccountRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, account_id, broker, symbol, side, COALESCE(intent_key, ''), COALESCE(client_id, ''),
		       attempt, nonce, qty, outcome, COALESCE(error_code, ''), COALESCE(error, ''),
		       COALESCE(latency_ms, 0), created_at
		FROM order_attempts
		WHERE account_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Broker, &a.Symbol, &a.Side, &a.IntentKey, &a.ClientID,
			&a.Number, &a.Nonce, &a.Qty, &a.Outcome, &a.ErrorCode, &a.Error, &a.LatencyMs, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Reconciliation Reports
// ----------------------------------------

// InsertReport stores one reconciliation summary.
func (q *Queries) InsertReport(ctx context.Context, r Report) error {
	if r.AccountID == "" {
		return ErrAccountRequired
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reconciliation_reports (account_id, broker, tracked, live, zombies, removed, revived, healed,
		                                    adopted, dust, forced_exits, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.AccountID, r.Broker, r.Tracked, r.Live, r.Zombies, r.Removed, r.Revived, r.Healed,
		r.Adopted, r.Dust, r.ForcedExits, r.Error, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// LatestReports returns the newest reports of one account.
func (q *Queries) LatestReports(ctx context.Context, accountID string, limit int) ([]Report, error) {
	if accountID == "" {
		return nil, ErrAccountRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, account_id, broker, tracked, live, zombies, removed, revived, healed, adopted, dust,
		       COALESCE(forced_exits, 0), COALESCE(error, ''), created_at
		FROM reconciliation_reports
		WHERE account_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Broker, &r.Tracked, &r.Live, &r.Zombies, &r.Removed,
			&r.Revived, &r.Healed, &r.Adopted, &r.Dust, &r.ForcedExits, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetPosition reads one ledger row.
func (q *Queries) GetPosition(ctx context.Context, accountID, broker, symbol string) (*Position, error) {
	if accountID == "" {
		return nil, ErrAccountRequired
	}
	var p Position
	err := q.db.QueryRowContext(ctx, `
		SELECT account_id, broker, symbol, qty, entry_price, direction, status,
		       COALESCE(missed_passes, 0), opened_at, updated_at
		FROM positions
		WHERE account_id = ? AND broker = ? AND symbol = ?
	`, accountID, broker, symbol).Scan(&p.AccountID, &p.Broker, &p.Symbol, &p.Qty, &p.EntryPrice, &p.Direction,
		&p.Status, &p.MissedPasses, &p.OpenedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	return &p, nil
}
