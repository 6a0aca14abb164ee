package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/blacklist"
	"execution-core/internal/order"
	"execution-core/pkg/config"
)

// ErrAccountNotFound is returned for accounts absent from the topology.
var ErrAccountNotFound = errors.New("account not found")

// Service is what the control API may do with the core. It never places
// orders directly; operator actions go through the same gates.
type Service interface {
	Accounts(ctx context.Context) []AccountSummary
	Account(ctx context.Context, id string) (*AccountSnapshot, error)
	Positions(ctx context.Context, account string) ([]PositionView, error)
	Attempts(ctx context.Context, account string, limit int) ([]order.Attempt, error)
	Blacklist(ctx context.Context, account string) []blacklist.Entry
	ClearDust(ctx context.Context, account, symbol string) (bool, error)
	SetEmergency(ctx context.Context, on bool)
	Status(ctx context.Context) SystemStatus
}

// LoopSource reports execution loop state; the orchestrator satisfies it.
type LoopSource interface {
	Loops() []LoopView
}

// AttemptSource returns recent attempts; *order.Journal satisfies it.
type AttemptSource interface {
	Recent(account string, limit int) []order.Attempt
}

// Core implements Service over a running engine.
type Core struct {
	engine   *Engine
	topo     *config.Topology
	loops    LoopSource
	attempts AttemptSource
	dryRun   bool
	started  time.Time
}

// NewCore builds the API-facing service. loops and attempts may be nil.
func NewCore(e *Engine, topo *config.Topology, loops LoopSource, attempts AttemptSource, dryRun bool) *Core {
	return &Core{engine: e, topo: topo, loops: loops, attempts: attempts, dryRun: dryRun, started: time.Now()}
}

// SetLoops attaches the loop source once the orchestrator exists.
func (c *Core) SetLoops(l LoopSource) { c.loops = l }

func (c *Core) summary(acct config.Account) AccountSummary {
	brokers := make([]string, 0, len(acct.Credentials))
	for _, cr := range acct.Credentials {
		brokers = append(brokers, cr.Exchange)
	}
	s := AccountSummary{
		ID:            acct.ID,
		Role:          string(acct.Role),
		Brokers:       brokers,
		OpenPositions: c.engine.deps.Ledger.CountOpen(acct.ID),
		MaxPositions:  c.engine.deps.Risk.MaxPositions(acct.ID),
	}
	if c.engine.deps.Balances != nil {
		s.EquityUSD = c.engine.deps.Balances.Equity(acct.ID)
	}
	return s
}

func (c *Core) Accounts(ctx context.Context) []AccountSummary {
	out := make([]AccountSummary, 0, len(c.topo.Accounts))
	for _, a := range c.topo.Accounts {
		out = append(out, c.summary(a))
	}
	return out
}

func (c *Core) Account(ctx context.Context, id string) (*AccountSnapshot, error) {
	acct, ok := c.topo.Account(id)
	if !ok {
		return nil, ErrAccountNotFound
	}
	snap := &AccountSnapshot{AccountSummary: c.summary(acct)}
	if c.engine.deps.Balances != nil {
		snap.Balances = c.engine.deps.Balances.Balances(id)
	}
	snap.Positions, _ = c.Positions(ctx, id)
	if c.loops != nil {
		for _, l := range c.loops.Loops() {
			if l.Account == id {
				snap.Loops = append(snap.Loops, l)
			}
		}
	}
	if m, ok := c.engine.deps.Risk.GetAllMetrics()[id]; ok {
		snap.Risk = &m
	}
	return snap, nil
}

func (c *Core) Positions(ctx context.Context, account string) ([]PositionView, error) {
	if _, ok := c.topo.Account(account); !ok {
		return nil, ErrAccountNotFound
	}
	ps := c.engine.deps.Ledger.PositionsFor(account)
	out := make([]PositionView, 0, len(ps))
	for _, p := range ps {
		out = append(out, PositionView{
			Broker:     p.Broker,
			Symbol:     p.Symbol,
			Direction:  p.Direction,
			Qty:        p.Qty,
			EntryPrice: p.EntryPrice,
			MarkPrice:  p.MarkPrice,
			ValueUSD:   p.ValueUSD(),
			PnL:        p.PnL(),
			PnLPct:     p.PnLPct(),
			Status:     string(p.Status),
			OpenedAt:   p.OpenedAt,
		})
	}
	return out, nil
}

func (c *Core) Attempts(ctx context.Context, account string, limit int) ([]order.Attempt, error) {
	if _, ok := c.topo.Account(account); !ok {
		return nil, ErrAccountNotFound
	}
	if c.attempts == nil {
		return nil, nil
	}
	return c.attempts.Recent(account, limit), nil
}

func (c *Core) Blacklist(ctx context.Context, account string) []blacklist.Entry {
	return c.engine.deps.Ledger.Dust().List(account)
}

// ClearDust lets a symbol trade again on account, e.g. after the operator
// swept the residue by hand.
func (c *Core) ClearDust(ctx context.Context, account, symbol string) (bool, error) {
	return c.engine.deps.Ledger.Dust().Remove(account, symbol)
}

func (c *Core) SetEmergency(ctx context.Context, on bool) {
	c.engine.deps.Safety.SetEmergency(on)
	c.engine.log.Warn("emergency mode changed by operator", zap.Bool("emergency", on))
}

func (c *Core) Status(ctx context.Context) SystemStatus {
	st := SystemStatus{
		Emergency:   c.engine.deps.Safety.Emergency(),
		SellOnly:    c.engine.deps.Safety.SellOnly(),
		DryRun:      c.dryRun,
		Accounts:    len(c.topo.Accounts),
		Blacklisted: c.engine.deps.Ledger.Dust().Len(),
		Inflight:    c.engine.inflight.Len(),
		StartedAt:   c.started,
		Uptime:      time.Since(c.started).Truncate(time.Second).String(),
	}
	if c.loops != nil {
		loops := c.loops.Loops()
		st.Loops = len(loops)
		for _, l := range loops {
			if l.State == "ACTIVE" {
				st.ActiveLoops++
			}
		}
	}
	sort.Strings(st.SellOnly)
	return st
}
