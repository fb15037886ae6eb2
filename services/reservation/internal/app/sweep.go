package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"libreserve/pkg/domain"
	"libreserve/pkg/store"
)

const defaultSweepBatchSize = 100

// SweepResult summarizes one reclamation pass.
type SweepResult struct {
	Expired int  `json:"expired"`
	Raced   int  `json:"raced"`
	Failed  int  `json:"failed"`
	Overdue int  `json:"overdue"`
	Skipped bool `json:"skipped"`
}

// Lease elects one sweeper per tick across replicas.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
}

// Sweep expires every active reservation whose pickup deadline has passed and
// returns their copies to the pool.
func (a *App) Sweep(ctx context.Context, batchSize int) (SweepResult, error) {
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	now := a.clock()
	var res SweepResult
	for {
		candidates, err := a.store.ListExpiredCandidates(ctx, now, batchSize)
		if err != nil {
			return res, fmt.Errorf("list expired candidates: %w", err)
		}
		progressed := 0
		for _, r := range candidates {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			_, err := a.Expire(ctx, r.ID)
			switch {
			case err == nil:
				res.Expired++
				progressed++
			case errors.Is(err, ErrInvalidTransition):
				// picked up or cancelled between listing and locking
				res.Raced++
				progressed++
			default:
				res.Failed++
				a.logger(ctx).Error("sweep_expire_failed", "reservation_id", r.ID, "err", err)
			}
		}
		if len(candidates) < batchSize || progressed == 0 {
			break
		}
	}
	overdue, err := a.store.CountReservations(ctx, store.ReservationFilter{Status: domain.StatusOverdue, Now: now})
	if err != nil {
		return res, fmt.Errorf("count overdue: %w", err)
	}
	res.Overdue = overdue
	a.logger(ctx).Info("sweep_completed",
		"expired", res.Expired,
		"raced", res.Raced,
		"failed", res.Failed,
		"overdue", res.Overdue,
	)
	return res, nil
}

// Sweeper runs Sweep on a fixed interval until its context ends.
type Sweeper struct {
	app       *App
	interval  time.Duration
	batchSize int
	lease     Lease
}

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	// Lease is optional; without it every replica sweeps.
	Lease Lease
}

func NewSweeper(a *App, cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{app: a, interval: interval, batchSize: cfg.BatchSize, lease: cfg.Lease}
}

// RunOnce sweeps if this replica holds the lease.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	if s.lease != nil {
		ok, err := s.lease.TryAcquire(ctx)
		if err != nil {
			return SweepResult{}, fmt.Errorf("acquire sweep lease: %w", err)
		}
		if !ok {
			return SweepResult{Skipped: true}, nil
		}
	}
	return s.app.Sweep(ctx, s.batchSize)
}

// Run sweeps immediately and then on every tick. It returns nil when ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.app.logger(ctx).Error("sweep_failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
