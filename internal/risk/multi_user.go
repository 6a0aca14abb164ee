// Package risk applies per-account entry policy: position and capital caps,
// balance-tiered order sizing, rotation and stop-loss tracking.
package risk

import (
	"sync"
	"time"

	"execution-core/pkg/config"
)

// MultiAccountManager manages risk managers for multiple accounts.
type MultiAccountManager struct {
	mu       sync.RWMutex
	managers map[string]*Manager // account -> Manager
	stops    map[string]*StopLossManager
	lastSeen map[string]time.Time
	book     Book
	dust     Dust
	resolve  func(account string) config.RiskSpec
}

// NewMultiAccountManager creates the registry. resolve supplies each
// account's risk block; nil means defaults for everyone.
func NewMultiAccountManager(book Book, dust Dust, resolve func(string) config.RiskSpec) *MultiAccountManager {
	return &MultiAccountManager{
		managers: make(map[string]*Manager),
		stops:    make(map[string]*StopLossManager),
		lastSeen: make(map[string]time.Time),
		book:     book,
		dust:     dust,
		resolve:  resolve,
	}
}

// GetOrCreate returns the manager for an account, creating it from the
// account's config if needed.
func (m *MultiAccountManager) GetOrCreate(account string) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mgr, ok := m.managers[account]; ok {
		m.lastSeen[account] = time.Now()
		return mgr
	}
	cfg := DefaultConfig()
	if m.resolve != nil {
		cfg = FromSpec(m.resolve(account))
	}
	mgr := NewManager(account, cfg, m.book, m.dust)
	m.managers[account] = mgr
	m.stops[account] = NewStopLossManager()
	m.lastSeen[account] = time.Now()
	return mgr
}

// Get returns the manager for an account, or nil. It refreshes activity but
// never creates.
func (m *MultiAccountManager) Get(account string) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mgr, ok := m.managers[account]; ok {
		m.lastSeen[account] = time.Now()
		return mgr
	}
	return nil
}

// Remove drops an account's manager.
func (m *MultiAccountManager) Remove(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.managers, account)
	delete(m.stops, account)
	delete(m.lastSeen, account)
}

// GetAllMetrics returns risk metrics for all accounts.
func (m *MultiAccountManager) GetAllMetrics() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Metrics, len(m.managers))
	for id, mgr := range m.managers {
		result[id] = mgr.GetMetrics()
	}
	return result
}

// AccountCount returns the number of live managers.
func (m *MultiAccountManager) AccountCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.managers)
}

// Reload re-reads every live account's config through resolve.
func (m *MultiAccountManager) Reload() {
	if m.resolve == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, mgr := range m.managers {
		mgr.UpdateConfig(FromSpec(m.resolve(id)))
	}
}

// CleanupIdle removes managers idle longer than ttl.
func (m *MultiAccountManager) CleanupIdle(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.lastSeen {
		if t.Before(cutoff) {
			delete(m.managers, id)
			delete(m.stops, id)
			delete(m.lastSeen, id)
		}
	}
}

// Evaluate runs an entry check for the proposal's account.
func (m *MultiAccountManager) Evaluate(p Proposal) Decision {
	return m.GetOrCreate(p.Account).Evaluate(p)
}

// MaxPositions is the account's position cap.
func (m *MultiAccountManager) MaxPositions(account string) int {
	return m.GetOrCreate(account).GetConfig().MaxPositions
}

// CheckStops returns the account's positions that crossed their stop.
func (m *MultiAccountManager) CheckStops(account string) []StopTrigger {
	mgr := m.GetOrCreate(account)
	m.mu.RLock()
	sl := m.stops[account]
	m.mu.RUnlock()
	if sl == nil {
		return nil
	}
	cfg := mgr.GetConfig()
	return sl.Check(cfg.StopLossPct, cfg.TrailingPct, m.book.PositionsFor(account))
}
