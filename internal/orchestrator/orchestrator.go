// Package orchestrator runs one independent execution loop per
// (account, broker). A loop that fails is restarted after a cooldown and
// never affects another.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/broker"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/pkg/logger"
)

// ErrLoopNotFound is returned when no loop runs for (account, broker).
var ErrLoopNotFound = errors.New("no execution loop for account/broker")

// Executor is the engine surface a loop drives.
type Executor interface {
	Admit(p order.Proposal) (order.Intent, error)
	Submit(ctx context.Context, in order.Intent) (broker.Result, error)
}

// Connections resolves a loop's connection; *gateway.Manager satisfies it.
type Connections interface {
	Conn(account, exchange string) (*broker.Conn, error)
}

// Book is the ledger surface a loop needs.
type Book interface {
	PositionsOn(account, broker string) []ledger.Position
	Get(account, broker, symbol string) (ledger.Position, bool)
	SetStatus(ctx context.Context, account, broker, symbol string, status ledger.Status) error
	UpdateMark(account, broker, symbol string, px decimal.Decimal)
}

// Stops reports positions past their stop; *risk.MultiAccountManager
// satisfies it.
type Stops interface {
	CheckStops(account string) []risk.StopTrigger
}

// Inbox hands out pending proposals; the intake server satisfies it.
type Inbox interface {
	Pull(account, broker string, max int) []order.Proposal
}

// BalanceSyncer refreshes a cached balance after a cycle.
type BalanceSyncer interface {
	SyncPair(ctx context.Context, account, broker string) error
}

// Config tunes every loop.
type Config struct {
	CycleInterval   time.Duration
	DegradedProbe   time.Duration
	Cooldown        time.Duration
	ConnectJitter   time.Duration
	ConnectAttempts int
	QueueSize       int
}

func (c *Config) defaults() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 10 * time.Second
	}
	if c.DegradedProbe <= 0 {
		c.DegradedProbe = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// Deps are shared by every loop. Stops, Inbox, Balances, Bus and Metrics
// may be nil.
type Deps struct {
	Conns    Connections
	Engine   Executor
	Book     Book
	Safety   *broker.Safety
	Stops    Stops
	Inbox    Inbox
	Balances BalanceSyncer
	Bus      *events.Bus
	Metrics  *monitor.SystemMetrics
}

type key struct{ account, broker string }

// Orchestrator owns the loops.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	mu    sync.RWMutex
	loops map[key]*loop
	wg    sync.WaitGroup
}

func New(cfg Config, deps Deps) *Orchestrator {
	cfg.defaults()
	if deps.Safety == nil {
		deps.Safety = broker.NewSafety(false, nil)
	}
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		log:   logger.Named("orchestrator"),
		loops: make(map[key]*loop),
	}
}

// Add registers a loop without starting it. Intents may be queued before
// Start.
func (o *Orchestrator) Add(account, brokerID string) {
	k := key{account, brokerID}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.loops[k]; ok {
		return
	}
	o.loops[k] = newLoop(o, account, brokerID)
}

// Start launches every registered loop. Loops stop at the next cycle
// boundary once ctx ends; Wait blocks until they have.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.RLock()
	loops := make([]*loop, 0, len(o.loops))
	for _, l := range o.loops {
		loops = append(loops, l)
	}
	o.mu.RUnlock()
	for _, l := range loops {
		o.wg.Add(1)
		go func(l *loop) {
			defer o.wg.Done()
			l.run(ctx)
		}(l)
	}
	o.log.Info("execution loops started", zap.Int("loops", len(loops)))
}

// Wait blocks until every loop has exited.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) loop(account, brokerID string) (*loop, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	l, ok := o.loops[key{account, brokerID}]
	return l, ok
}

// Enqueue hands an intent to the loop of (account, broker). It never blocks.
func (o *Orchestrator) Enqueue(account, brokerID string, in order.Intent) error {
	l, ok := o.loop(account, brokerID)
	if !ok {
		return ErrLoopNotFound
	}
	return l.enqueue(in)
}

// State reports the current state of one loop.
func (o *Orchestrator) State(account, brokerID string) (State, bool) {
	l, ok := o.loop(account, brokerID)
	if !ok {
		return "", false
	}
	s, _ := l.current()
	return s, true
}

// Loops snapshots every loop for the API.
func (o *Orchestrator) Loops() []engine.LoopView {
	o.mu.RLock()
	out := make([]engine.LoopView, 0, len(o.loops))
	for _, l := range o.loops {
		out = append(out, l.view())
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Broker < out[j].Broker
	})
	return out
}
