// Package reaper implements the Timer/Reaper (C7): a periodic scan that
// drives timeouts by feeding events into the Lifecycle Controller. Grounded
// on the teacher's Scheduler (internal/scheduler/scheduler.go) — same
// ticker-driven run loop and stop/done channel shutdown — reworked from the
// teacher's in-memory TimeoutEvent map (which only ever scheduled Ethereum/
// Sui escrow cancellations the teacher itself fed it) onto the four status
// queries spec §4.5 names, read fresh from the Order Store every tick
// instead of held in memory, since the reaper "only reads state to emit
// events, never holds per-order exclusivity" (spec §9).
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unite-defi/relayer/internal/config"
	"github.com/unite-defi/relayer/internal/safety"
	"github.com/unite-defi/relayer/internal/types"
)

// Controller is the subset of the Lifecycle Controller the reaper drives.
type Controller interface {
	OrderExpired(orderID string) error
	CommitmentLapsed(orderID string) error
	RevealDue(ctx context.Context, orderID string) error
	CompetitionTimeout(ctx context.Context, orderID string) error
}

// Store is the C2 persistence seam the reaper scans: *store.OrderStore in
// production, an in-memory fake in tests. Only the four deadline queries
// plus Prune spec §4.5 names — anything else the Order Store exposes stays
// on the concrete type where it's used.
type Store interface {
	Expired(now time.Time) ([]*types.Order, error)
	ExpiredCommitments(now time.Time) ([]*types.Order, error)
	PendingReveal(now time.Time) ([]*types.Order, error)
	CompetitionExpired(now time.Time) ([]*types.Order, error)
	Prune(days int) (int64, error)
}

// Reaper runs the 10s scan loop plus the daily prune job.
type Reaper struct {
	store      Store
	controller Controller
	deposits   *safety.Ledger
	cfg        config.Coordinator
	log        *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(s Store, c Controller, deposits *safety.Ledger, cfg config.Coordinator, log *zap.Logger) *Reaper {
	return &Reaper{
		store:      s,
		controller: c,
		deposits:   deposits,
		cfg:        cfg,
		log:        log.Named("reaper"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the scan loop and the daily prune loop until ctx is cancelled
// or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	interval := r.cfg.ReaperInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go r.runScanLoop(ctx, interval)
	go r.runPruneLoop(ctx)
}

func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) runScanLoop(ctx context.Context, interval time.Duration) {
	defer close(r.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) runPruneLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.prune()
		}
	}
}

// tick drives the four deadline categories of spec §4.5. Each category's
// failure is logged and skipped rather than aborting the whole tick — one
// stuck order must never block the others.
func (r *Reaper) tick(ctx context.Context) {
	now := time.Now().UTC()

	r.scanExpired(now)
	r.scanExpiredCommitments(now)
	r.scanPendingReveal(ctx, now)
	r.scanCompetitionExpired(ctx, now)
}

func (r *Reaper) scanExpired(now time.Time) {
	orders, err := r.store.Expired(now)
	if err != nil {
		r.log.Warn("scan expired orders failed", zap.Error(err))
		return
	}
	for _, o := range orders {
		if err := r.controller.OrderExpired(o.ID); err != nil {
			r.log.Warn("OrderExpired failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}

func (r *Reaper) scanExpiredCommitments(now time.Time) {
	orders, err := r.store.ExpiredCommitments(now)
	if err != nil {
		r.log.Warn("scan expired commitments failed", zap.Error(err))
		return
	}
	for _, o := range orders {
		if err := r.controller.CommitmentLapsed(o.ID); err != nil {
			r.log.Warn("CommitmentLapsed failed", zap.String("order_id", o.ID), zap.Error(err))
		} else {
			r.log.Info("commitment lapsed, order rescuable", zap.String("order_id", o.ID))
		}
	}
}

func (r *Reaper) scanPendingReveal(ctx context.Context, now time.Time) {
	orders, err := r.store.PendingReveal(now)
	if err != nil {
		r.log.Warn("scan pending reveal failed", zap.Error(err))
		return
	}
	for _, o := range orders {
		if err := r.controller.RevealDue(ctx, o.ID); err != nil {
			r.log.Warn("RevealDue failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}

func (r *Reaper) scanCompetitionExpired(ctx context.Context, now time.Time) {
	orders, err := r.store.CompetitionExpired(now)
	if err != nil {
		r.log.Warn("scan competition expired failed", zap.Error(err))
		return
	}
	for _, o := range orders {
		if err := r.controller.CompetitionTimeout(ctx, o.ID); err != nil {
			r.log.Warn("CompetitionTimeout failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}

func (r *Reaper) prune() {
	days := r.cfg.RetentionDays
	if days <= 0 {
		days = 30
	}
	n, err := r.store.Prune(days)
	if err != nil {
		r.log.Warn("prune failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Info("pruned completed/failed orders", zap.Int64("count", n), zap.Int("retention_days", days))
	}

	if r.deposits != nil {
		if expired := r.deposits.Sweep(); expired > 0 {
			r.log.Info("expired stale forfeited safety deposits", zap.Int("count", expired))
		}
	}
}
