// Package reconciliation compares the ledger with exchange holdings and
// enforces the per-account position cap.
package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"execution-core/internal/broker"
	"execution-core/internal/ledger"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

// Brokers lists and resolves an account's connections; *gateway.Manager
// satisfies it.
type Brokers interface {
	Exchanges(account string) []string
	Get(account, exchange string) (broker.Connection, error)
}

// Book is the ledger surface reconciliation drives.
type Book interface {
	Reconcile(ctx context.Context, account, brokerID string, live []broker.Position) (ledger.Report, error)
	EnforceCap(ctx context.Context, account string, maxPositions int) []order.Intent
	SetStatus(ctx context.Context, account, broker, symbol string, status ledger.Status) error
}

// Caps reports an account's position cap.
type Caps interface {
	MaxPositions(account string) int
}

// Exits receives the forced exits the cap produces; the orchestrator
// satisfies it.
type Exits interface {
	Enqueue(account, brokerID string, in order.Intent) error
}

// ReportSink stores pass summaries; *db.Queries satisfies it.
type ReportSink interface {
	InsertReport(ctx context.Context, r db.Report) error
}

// Deps wires the service. Reports and Metrics may be nil.
type Deps struct {
	Brokers Brokers
	Book    Book
	Caps    Caps
	Exits   Exits
	Reports ReportSink
	Metrics *monitor.SystemMetrics
}

// Result is one account pass.
type Result struct {
	Account     string          `json:"account"`
	Reports     []ledger.Report `json:"reports"`
	Skipped     []string        `json:"skipped,omitempty"`
	ForcedExits int             `json:"forced_exits"`
	At          time.Time       `json:"at"`
}

// Service reconciles every account on its own ticker.
type Service struct {
	deps     Deps
	interval time.Duration
	log      *zap.Logger

	mu   sync.Mutex
	last map[string]Result
}

// NewService creates a service. interval <= 0 means one minute.
func NewService(deps Deps, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		deps:     deps,
		interval: interval,
		log:      logger.Named("reconciliation"),
		last:     make(map[string]Result),
	}
}

// Start runs one goroutine per account until ctx ends. Each account passes
// once immediately.
func (s *Service) Start(ctx context.Context, accounts []string) {
	for _, account := range accounts {
		go s.run(ctx, account)
	}
	s.log.Info("reconciliation started", zap.Int("accounts", len(accounts)), zap.Duration("interval", s.interval))
}

func (s *Service) run(ctx context.Context, account string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Reconcile(ctx, account); err != nil {
			s.log.Warn("reconciliation pass incomplete", zap.String("account", account), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type snapshot struct {
	broker string
	live   []broker.Position
	err    error
}

// Reconcile runs one pass for account. Holdings are fetched from every
// broker concurrently; a broker whose fetch fails is skipped so its tracked
// positions are not mistaken for zombies. The cap is enforced over what the
// pass saw.
func (s *Service) Reconcile(ctx context.Context, account string) (Result, error) {
	res := Result{Account: account, At: time.Now().UTC()}
	if s.deps.Metrics != nil {
		defer monitor.NewTimer(s.deps.Metrics.ReconcileLatency).Stop()
	}
	brokers := s.deps.Brokers.Exchanges(account)
	sort.Strings(brokers)

	snaps := make([]snapshot, len(brokers))
	var g errgroup.Group
	for i, b := range brokers {
		g.Go(func() error {
			snaps[i].broker = b
			conn, err := s.deps.Brokers.Get(account, b)
			if err != nil {
				snaps[i].err = err
				return nil
			}
			snaps[i].live, snaps[i].err = conn.Positions(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	reports := make(map[string]*db.Report, len(snaps))
	for _, snap := range snaps {
		if snap.err != nil {
			res.Skipped = append(res.Skipped, snap.broker)
			errs = multierr.Append(errs, fmt.Errorf("fetch %s: %w", snap.broker, snap.err))
			s.log.Warn("holdings fetch failed; broker skipped",
				zap.String("account", account), zap.String("broker", snap.broker), zap.Error(snap.err))
			reports[snap.broker] = &db.Report{AccountID: account, Broker: snap.broker, Error: snap.err.Error()}
			continue
		}
		rep, err := s.deps.Book.Reconcile(ctx, account, snap.broker, snap.live)
		errs = multierr.Append(errs, err)
		res.Reports = append(res.Reports, rep)
		row := toRow(rep)
		if err != nil {
			row.Error = err.Error()
		}
		reports[snap.broker] = &row
	}

	if s.deps.Caps != nil {
		for _, in := range s.deps.Book.EnforceCap(ctx, account, s.deps.Caps.MaxPositions(account)) {
			if err := s.deps.Exits.Enqueue(account, in.Broker, in); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("enqueue cap exit %s/%s: %w", in.Broker, in.Symbol, err))
				_ = s.deps.Book.SetStatus(ctx, account, in.Broker, in.Symbol, ledger.StatusOpen)
				continue
			}
			res.ForcedExits++
			if r, ok := reports[in.Broker]; ok {
				r.ForcedExits++
			}
			s.log.Warn("position cap exceeded; forcing exit",
				zap.String("account", account), zap.String("broker", in.Broker), zap.String("symbol", in.Symbol))
		}
	}

	if s.deps.Reports != nil {
		for _, b := range brokers {
			if r, ok := reports[b]; ok {
				r.CreatedAt = res.At
				errs = multierr.Append(errs, s.deps.Reports.InsertReport(ctx, *r))
			}
		}
	}

	s.mu.Lock()
	s.last[account] = res
	s.mu.Unlock()
	return res, errs
}

// Last returns the most recent pass for account.
func (s *Service) Last(account string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.last[account]
	return r, ok
}

func toRow(r ledger.Report) db.Report {
	return db.Report{
		AccountID: r.Account,
		Broker:    r.Broker,
		Tracked:   r.Tracked,
		Live:      r.Live,
		Zombies:   r.Zombies,
		Removed:   r.Removed,
		Revived:   r.Revived,
		Healed:    r.Healed,
		Adopted:   r.Adopted,
		Dust:      r.Dust,
	}
}
