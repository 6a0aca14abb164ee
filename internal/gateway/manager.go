// Package gateway owns one broker connection per (account, exchange), built
// from that account's own credentials.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"execution-core/internal/backoff"
	"execution-core/internal/balance"
	"execution-core/internal/broker"
	"execution-core/internal/capability"
	"execution-core/internal/monitor"
	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrGatewayUnhealthy   = errors.New("gateway is unhealthy")
	ErrPoolFull           = errors.New("gateway pool is full")
)

type key struct{ account, exchange string }

// Pair names one (account, exchange) connection.
type Pair struct {
	Account  string
	Exchange string
}

type cached struct {
	conn      *broker.Conn
	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize          int           // Maximum number of live connections
	IdleTimeout      time.Duration // Idle connections may be evicted when the pool is full
	HealthInterval   time.Duration // Interval between health pings
	FailureThreshold int           // Failed pings before the circuit opens
	CircuitTimeout   time.Duration // Time before an unhealthy connection is handed out again

	MaxAttempts    int
	CallTimeout    time.Duration
	RequestsPerSec float64
	Backoff        backoff.Config
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          256,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
		Backoff:          backoff.DefaultConfig(),
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	conns    map[key]*cached
	lruOrder []key // oldest first

	config   Config
	keys     *crypto.KeyManager
	factory  Factory
	deps     broker.Deps
	balances *balance.MultiAccountManager
	log      *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates the registry. keys may be nil when no credential is
// sealed; balances may be nil.
func NewManager(factory Factory, keys *crypto.KeyManager, deps broker.Deps, balances *balance.MultiAccountManager, cfg Config) *Manager {
	if factory == nil {
		factory = DefaultFactory
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &Manager{
		conns:    make(map[key]*cached),
		config:   cfg,
		keys:     keys,
		factory:  factory,
		deps:     deps,
		balances: balances,
		log:      logger.Named("gateway"),
		stopCh:   make(chan struct{}),
	}
}

func normalize(exchange string) string { return strings.ToLower(strings.TrimSpace(exchange)) }

// Connect builds the connection for one credential of account. An existing
// connection is returned unchanged.
func (m *Manager) Connect(ctx context.Context, account string, cred config.Credential) (*broker.Conn, error) {
	k := key{account, normalize(cred.Exchange)}

	m.mu.RLock()
	if c, ok := m.conns[k]; ok {
		m.mu.RUnlock()
		return c.conn, nil
	}
	m.mu.RUnlock()

	plain, err := m.resolve(cred)
	if err != nil {
		return nil, fmt.Errorf("credentials %s/%s: %w", account, k.exchange, err)
	}
	venue, err := m.factory(plain)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	conn := broker.NewConn(venue, m.deps, broker.Options{
		Account:        account,
		Exchange:       k.exchange,
		MaxAttempts:    m.config.MaxAttempts,
		CallTimeout:    m.config.CallTimeout,
		RequestsPerSec: m.config.RequestsPerSec,
		Backoff:        m.config.Backoff,
	})
	if err := conn.RefreshCapabilities(ctx); err != nil {
		m.log.Warn("capability refresh failed; using static table",
			zap.String("account", account), zap.String("exchange", k.exchange), zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[k]; ok {
		return c.conn, nil
	}
	if len(m.conns) >= m.config.MaxSize && !m.evictIdleLocked() {
		return nil, ErrPoolFull
	}
	now := time.Now()
	m.conns[k] = &cached{conn: conn, createdAt: now, lastUsed: now, healthyAt: now}
	m.lruOrder = append(m.lruOrder, k)
	if m.balances != nil {
		m.balances.Register(account, k.exchange, conn)
	}
	m.log.Info("connection registered", zap.String("account", account), zap.String("exchange", k.exchange),
		zap.String("capability", conn.CapabilityID()))
	return conn, nil
}

// ConnectAll connects every credential of every account. Failures are
// collected; the accounts that connected stay registered.
func (m *Manager) ConnectAll(ctx context.Context, topo *config.Topology) error {
	var errs error
	for _, acct := range topo.Accounts {
		for _, cred := range acct.Credentials {
			if _, err := m.Connect(ctx, acct.ID, cred); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s/%s: %w", acct.ID, cred.Exchange, err))
			}
		}
	}
	return errs
}

func (m *Manager) resolve(cred config.Credential) (config.Credential, error) {
	var err error
	if cred.APIKey, err = m.keys.Resolve(cred.APIKey); err != nil {
		return cred, fmt.Errorf("decrypt api key: %w", err)
	}
	if cred.APISecret, err = m.keys.Resolve(cred.APISecret); err != nil {
		return cred, fmt.Errorf("decrypt api secret: %w", err)
	}
	if cred.Passphrase, err = m.keys.Resolve(cred.Passphrase); err != nil {
		return cred, fmt.Errorf("decrypt passphrase: %w", err)
	}
	return cred, nil
}

// Get returns the connection of (account, exchange). A connection whose
// health pings keep failing is withheld until the circuit timeout passes.
func (m *Manager) Get(account, exchange string) (broker.Connection, error) {
	c, err := m.lookup(account, exchange)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Conn is Get returning the concrete connection.
func (m *Manager) Conn(account, exchange string) (*broker.Conn, error) {
	return m.lookup(account, exchange)
}

func (m *Manager) lookup(account, exchange string) (*broker.Conn, error) {
	k := key{account, normalize(exchange)}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[k]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	if c.failures >= m.config.FailureThreshold && time.Since(c.healthyAt) < m.config.CircuitTimeout {
		return nil, ErrGatewayUnhealthy
	}
	m.touchLRULocked(k)
	return c.conn, nil
}

// Pairs lists registered connections in a stable order.
func (m *Manager) Pairs() []Pair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Pair, 0, len(m.conns))
	for k := range m.conns {
		out = append(out, Pair{Account: k.account, Exchange: k.exchange})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Exchange < out[j].Exchange
	})
	return out
}

// Exchanges lists the exchanges account is connected to.
func (m *Manager) Exchanges(account string) []string {
	var out []string
	for _, p := range m.Pairs() {
		if p.Account == account {
			out = append(out, p.Exchange)
		}
	}
	return out
}

// RefreshTargets lists one venue per capability id that can serve exchange
// metadata. Accounts sharing a venue are refreshed once.
func (m *Manager) RefreshTargets() []capability.Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []capability.Target
	for _, c := range m.conns {
		src, ok := c.conn.Venue().(common.RulesSource)
		if !ok {
			continue
		}
		id := c.conn.CapabilityID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, capability.Target{Exchange: id, Mode: c.conn.Mode(), Source: src})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// Resolve decrypts the sealed fields of cred.
func (m *Manager) Resolve(cred config.Credential) (config.Credential, error) {
	return m.resolve(cred)
}

// Remove drops one connection.
func (m *Manager) Remove(account, exchange string) {
	k := key{account, normalize(exchange)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[k]; ok {
		delete(m.conns, k)
		m.removeLRULocked(k)
		if m.balances != nil {
			m.balances.Remove(account, k.exchange)
		}
	}
}

// RemoveAccount drops every connection of account.
func (m *Manager) RemoveAccount(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.conns {
		if k.account == account {
			delete(m.conns, k)
			m.removeLRULocked(k)
		}
	}
	if m.balances != nil {
		m.balances.RemoveAccount(account)
	}
}

// Start runs periodic health pings until ctx ends or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	if m.config.HealthInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll(ctx)
			}
		}
	}()
}

// Stop ends the health loop and forgets every connection.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns = make(map[key]*cached)
	m.lruOrder = nil
}

// RecordFailure records a failed probe for a connection.
func (m *Manager) RecordFailure(account, exchange string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[key{account, normalize(exchange)}]; ok {
		c.failures++
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(account, exchange string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[key{account, normalize(exchange)}]; ok {
		c.failures = 0
		c.healthyAt = time.Now()
	}
}

// PoolStats contains connection pool statistics.
type PoolStats struct {
	TotalConnections int            `json:"total_connections"`
	MaxSize          int            `json:"max_size"`
	ByExchange       map[string]int `json:"by_exchange"`
	UnhealthyCount   int            `json:"unhealthy_count"`
	AuthFailed       int            `json:"auth_failed"`
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalConnections: len(m.conns),
		MaxSize:          m.config.MaxSize,
		ByExchange:       make(map[string]int),
	}
	for k, c := range m.conns {
		stats.ByExchange[k.exchange]++
		if c.failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
		if c.conn.AuthFailed() {
			stats.AuthFailed++
		}
	}
	return stats
}

func (m *Manager) touchLRULocked(k key) {
	if c, ok := m.conns[k]; ok {
		c.lastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == k {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, k)
			break
		}
	}
}

func (m *Manager) removeLRULocked(k key) {
	for i, id := range m.lruOrder {
		if id == k {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

// evictIdleLocked drops the least recently used connection if it has been
// idle past IdleTimeout. A busy pool is never evicted.
func (m *Manager) evictIdleLocked() bool {
	if len(m.lruOrder) == 0 || m.config.IdleTimeout <= 0 {
		return false
	}
	oldest := m.lruOrder[0]
	c, ok := m.conns[oldest]
	if ok && time.Since(c.lastUsed) <= m.config.IdleTimeout {
		return false
	}
	delete(m.conns, oldest)
	m.lruOrder = m.lruOrder[1:]
	m.log.Info("evicted idle connection", zap.String("account", oldest.account), zap.String("exchange", oldest.exchange))
	return true
}

func (m *Manager) healthCheckAll(ctx context.Context) {
	for _, p := range m.Pairs() {
		m.healthCheck(ctx, p.Account, p.Exchange)
	}
}

func (m *Manager) healthCheck(ctx context.Context, account, exchange string) {
	m.mu.RLock()
	c, ok := m.conns[key{account, exchange}]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.conn.Ping(ctx); err != nil {
		m.RecordFailure(account, exchange)
		m.log.Warn("health ping failed", zap.String("account", account), zap.String("exchange", exchange), zap.Error(err))
	} else {
		m.RecordSuccess(account, exchange)
	}
	monitor.APIHealth.WithLabelValues(account, exchange).Set(c.conn.Backoff().Health())
}
