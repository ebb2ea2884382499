package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/infra/observability"
	"github.com/boddenberg/credit-ledger-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var schedulerTracer = otel.Tracer("service/scheduler")

// SchedulerConfig tunes the replenishment sweep.
type SchedulerConfig struct {
	Interval    time.Duration // default 10s
	Concurrency int           // accounts evaluated in parallel, default 8
	// NoticeInterval bounds how often the same account is warned about a
	// low balance. Default 24h.
	NoticeInterval time.Duration
}

// Scheduler periodically sweeps all accounts for replenishment and low
// balance notices.
type Scheduler struct {
	store   port.AccountStore
	ledger  *LedgerService
	cfg     SchedulerConfig
	metrics *observability.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	notified map[string]time.Time
	clock    func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(store port.AccountStore, ledger *LedgerService, cfg SchedulerConfig, metrics *observability.Metrics, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.NoticeInterval <= 0 {
		cfg.NoticeInterval = 24 * time.Hour
	}
	return &Scheduler{
		store:    store,
		ledger:   ledger,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		notified: make(map[string]time.Time),
		clock:    time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled. Sweeps may overlap; the
// replenish lock keeps them from charging an account twice.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("replenish scheduler started", zap.Duration("interval", s.cfg.Interval))

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info("replenish scheduler stopped")
			return
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("replenish sweep failed", zap.Error(err))
				}
			}()
		}
	}
}

// Sweep evaluates every account once. Per-account failures are logged and
// counted; only a failure to list accounts aborts the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (*domain.SweepReport, error) {
	ctx, span := schedulerTracer.Start(ctx, "Scheduler.Sweep")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.ObserveSweep(time.Since(start)) }()

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("accounts", len(accounts)))

	var replenished, failed, notices int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range accounts {
		account := accounts[i]
		g.Go(func() error {
			if account.AutoReplenish.Eligible(account.Balance) {
				res, err := s.ledger.AutoReplenish(gctx, account.ID)
				if err != nil {
					atomic.AddInt64(&failed, 1)
					s.logger.Warn("sweep replenish failed",
						zap.String("account_id", account.ID),
						zap.Error(err),
					)
					return nil
				}
				if res.Outcome != domain.ReplenishSkipped {
					if res.Outcome == domain.ReplenishCompleted {
						atomic.AddInt64(&replenished, 1)
					}
					return nil
				}
				// Nothing was credited; the account may still need a notice.
				account.Balance = res.Balance
			}
			if account.Balance < s.ledger.cfg.LowBalanceThreshold && s.shouldNotify(account.ID) {
				s.ledger.warnIfLow(&account)
				atomic.AddInt64(&notices, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := &domain.SweepReport{
		Accounts:    len(accounts),
		Replenished: int(replenished),
		Failed:      int(failed),
		LowBalance:  int(notices),
	}
	s.logger.Debug("replenish sweep finished",
		zap.Int("accounts", report.Accounts),
		zap.Int("replenished", report.Replenished),
		zap.Int("failed", report.Failed),
		zap.Int("low_balance_notices", report.LowBalance),
		zap.Duration("took", time.Since(start)),
	)
	return report, nil
}

func (s *Scheduler) shouldNotify(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if last, ok := s.notified[accountID]; ok && now.Sub(last) < s.cfg.NoticeInterval {
		return false
	}
	s.notified[accountID] = now
	return true
}
