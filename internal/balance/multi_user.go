// Package balance caches exchange balances per (account, broker) and
// aggregates them per account.
package balance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/pkg/logger"
)

type key struct{ account, broker string }

// MultiAccountManager manages balances for every (account, broker).
type MultiAccountManager struct {
	mu       sync.RWMutex
	managers map[key]*Manager
	lastSeen map[key]time.Time
}

// NewMultiAccountManager creates an empty registry.
func NewMultiAccountManager() *MultiAccountManager {
	return &MultiAccountManager{
		managers: make(map[key]*Manager),
		lastSeen: make(map[key]time.Time),
	}
}

// Register returns the manager for (account, broker), creating it over src
// if needed. An existing manager keeps its source.
func (m *MultiAccountManager) Register(account, brokerID string, src Source) *Manager {
	k := key{account, brokerID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mgr, ok := m.managers[k]; ok {
		m.lastSeen[k] = time.Now()
		return mgr
	}
	mgr := NewManager(account, brokerID, src)
	m.managers[k] = mgr
	m.lastSeen[k] = time.Now()
	return mgr
}

// Get returns the manager, or nil.
func (m *MultiAccountManager) Get(account, brokerID string) *Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.managers[key{account, brokerID}]
}

// Remove drops one (account, broker).
func (m *MultiAccountManager) Remove(account, brokerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.managers, key{account, brokerID})
	delete(m.lastSeen, key{account, brokerID})
}

// RemoveAccount drops every broker of account.
func (m *MultiAccountManager) RemoveAccount(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.managers {
		if k.account == account {
			delete(m.managers, k)
			delete(m.lastSeen, k)
		}
	}
}

func (m *MultiAccountManager) forAccount(account string) map[string]*Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Manager)
	for k, mgr := range m.managers {
		if k.account == account {
			out[k.broker] = mgr
		}
	}
	return out
}

// Balances returns the account's snapshot per broker.
func (m *MultiAccountManager) Balances(account string) map[string]Balance {
	out := make(map[string]Balance)
	for b, mgr := range m.forAccount(account) {
		out[b] = mgr.GetBalance()
	}
	return out
}

// Equity sums Total across the account's brokers.
func (m *MultiAccountManager) Equity(account string) decimal.Decimal {
	total := decimal.Zero
	for _, mgr := range m.forAccount(account) {
		total = total.Add(mgr.GetBalance().Total)
	}
	return total
}

// Available sums free balance across the account's brokers.
func (m *MultiAccountManager) Available(account string) decimal.Decimal {
	total := decimal.Zero
	for _, mgr := range m.forAccount(account) {
		total = total.Add(mgr.GetAvailable())
	}
	return total
}

// Accounts lists accounts with at least one cached broker.
func (m *MultiAccountManager) Accounts() []string {
	m.mu.RLock()
	seen := make(map[string]struct{})
	for k := range m.managers {
		seen[k.account] = struct{}{}
	}
	m.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// SyncAccount refreshes every broker of account; failures are logged.
func (m *MultiAccountManager) SyncAccount(ctx context.Context, account string) {
	for b, mgr := range m.forAccount(account) {
		if err := mgr.Sync(ctx); err != nil {
			logger.Named("balance").Warn("sync failed",
				zap.String("account", account), zap.String("broker", b), zap.Error(err))
		}
	}
}

func (m *MultiAccountManager) touch(k key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.managers[k]; ok {
		m.lastSeen[k] = time.Now()
	}
}

// Count returns the number of cached (account, broker) pairs.
func (m *MultiAccountManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.managers)
}

// CleanupIdle removes managers not registered or touched within ttl.
func (m *MultiAccountManager) CleanupIdle(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, t := range m.lastSeen {
		if t.Before(cutoff) {
			delete(m.managers, k)
			delete(m.lastSeen, k)
		}
	}
}

// Listen syncs a cached balance whenever a stream reports a change for it.
func (m *MultiAccountManager) Listen(ctx context.Context, bus *events.Bus) {
	ch, unsub := bus.Subscribe(events.EventBalanceUpdated, 64)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				bc, ok := msg.(events.BalanceChange)
				if !ok {
					continue
				}
				mgr := m.Get(bc.Account, bc.Broker)
				if mgr == nil {
					continue
				}
				m.touch(key{bc.Account, bc.Broker})
				if err := mgr.Sync(ctx); err != nil {
					logger.Named("balance").Warn("push-triggered sync failed",
						zap.String("account", bc.Account), zap.String("broker", bc.Broker), zap.Error(err))
				}
			}
		}
	}()
}

// SyncPair refreshes one (account, broker); an unknown pair is a no-op.
func (m *MultiAccountManager) SyncPair(ctx context.Context, account, brokerID string) error {
	mgr := m.Get(account, brokerID)
	if mgr == nil {
		return nil
	}
	m.touch(key{account, brokerID})
	return mgr.Sync(ctx)
}
