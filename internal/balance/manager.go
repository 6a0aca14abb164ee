package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
)

// Source fetches the live quote balance. broker.Connection satisfies it.
type Source interface {
	Balance(ctx context.Context) (common.Balance, error)
}

// Balance is a cached snapshot for one (account, broker).
type Balance struct {
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Reserved  decimal.Decimal `json:"reserved"`
	SyncedAt  time.Time       `json:"synced_at"`
}

// Free is Available minus local reservations, floored at zero.
func (b Balance) Free() decimal.Decimal {
	f := b.Available.Sub(b.Reserved)
	if f.IsNegative() {
		return decimal.Zero
	}
	return f
}

// Manager caches the balance of one (account, broker).
type Manager struct {
	account string
	broker  string
	source  Source
	log     *zap.Logger

	mu    sync.RWMutex
	cache Balance
}

// NewManager creates a cache over source. A nil source never syncs.
func NewManager(account, brokerID string, source Source) *Manager {
	return &Manager{
		account: account,
		broker:  brokerID,
		source:  source,
		log:     logger.Named("balance").With(zap.String("account", account), zap.String("broker", brokerID)),
	}
}

// Start syncs every interval until ctx ends.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if err := m.Sync(ctx); err != nil {
		m.log.Warn("initial balance sync failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					m.log.Warn("balance sync failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches the latest balance. Reservations survive a sync.
func (m *Manager) Sync(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	bal, err := m.source.Balance(ctx)
	if err != nil {
		return fmt.Errorf("sync balance %s/%s: %w", m.account, m.broker, err)
	}
	m.mu.Lock()
	m.cache.Asset = bal.Asset
	m.cache.Total = bal.Total
	m.cache.Available = bal.Available
	m.cache.Locked = bal.Locked
	m.cache.SyncedAt = time.Now()
	m.mu.Unlock()

	m.log.Debug("balance synced",
		zap.String("total", bal.Total.String()),
		zap.String("available", bal.Available.String()))
	return nil
}

// GetBalance returns the current snapshot.
func (m *Manager) GetBalance() Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache
}

// GetAvailable returns the free balance after reservations.
func (m *Manager) GetAvailable() decimal.Decimal {
	return m.GetBalance().Free()
}

// Stale reports whether the snapshot is older than maxAge or never synced.
func (m *Manager) Stale(maxAge time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache.SyncedAt.IsZero() || time.Since(m.cache.SyncedAt) > maxAge
}

// Reserve holds amount for an in-flight entry.
func (m *Manager) Reserve(amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount.GreaterThan(m.cache.Free()) {
		return fmt.Errorf("insufficient balance: need %s, have %s",
			amount.StringFixed(2), m.cache.Free().StringFixed(2))
	}
	m.cache.Reserved = m.cache.Reserved.Add(amount)
	return nil
}

// Release returns a reservation.
func (m *Manager) Release(amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Reserved = m.cache.Reserved.Sub(amount)
	if m.cache.Reserved.IsNegative() {
		m.cache.Reserved = decimal.Zero
	}
}

// SetInitialBalance seeds the cache for dry runs.
func (m *Manager) SetInitialBalance(asset string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = Balance{Asset: asset, Total: amount, Available: amount, SyncedAt: time.Now()}
}
