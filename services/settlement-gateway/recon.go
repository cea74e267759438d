package main

import (
	"context"
	"log/slog"
	"time"

	"bookpay/native/points"
	"bookpay/observability/metrics"
)

// reconciler retries points debits that failed after an irrevocable
// settlement. Debits are idempotent per booking reference, so a retry can
// never double-charge even if a previous attempt partially succeeded.
type reconciler struct {
	store       *Store
	auths       *AuthorizationStore
	logger      *slog.Logger
	metrics     *metrics.Settlement
	interval    time.Duration
	batchSize   int
	maxAttempts int
	nowFn       func() time.Time
}

func newReconciler(store *Store, auths *AuthorizationStore, logger *slog.Logger, m *metrics.Settlement, cfg ReconConfig, interval time.Duration) *reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &reconciler{
		store:       store,
		auths:       auths,
		logger:      logger,
		metrics:     m,
		interval:    interval,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		nowFn:       time.Now,
	}
}

// Run sweeps the queue until the context is cancelled.
func (r *reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *reconciler) sweep(ctx context.Context) {
	// Expired authorizations that were never consumed are dead; drop them so
	// the nonce store does not grow without bound.
	if removed, err := r.auths.PruneExpired(r.nowFn().Unix()); err != nil {
		r.logger.Error("authorization prune failed", slog.Any("err", err))
	} else if removed > 0 {
		r.logger.Info("expired authorizations pruned", slog.Int("removed", removed))
	}

	tasks, err := r.store.DueReconTasks(ctx, r.nowFn(), r.batchSize)
	if err != nil {
		r.logger.Error("recon sweep failed", slog.Any("err", err))
		return
	}
	for _, task := range tasks {
		ref := points.Reference{Type: "booking", ID: task.BookingID}
		result, err := r.store.DebitPoints(ctx, task.UserID, task.Points, points.TxBookingDebit, ref, "booking payment (reconciled)")
		if err != nil {
			if derr := r.store.DeferReconTask(ctx, task, err, r.maxAttempts); derr != nil {
				r.logger.Error("recon defer failed", slog.String("task", task.ID), slog.Any("err", derr))
			}
			r.logger.Warn("recon debit failed",
				slog.String("task", task.ID),
				slog.String("booking", task.BookingID),
				slog.Int("attempts", task.Attempts+1),
				slog.Any("err", err),
			)
			continue
		}
		if err := r.store.ResolveReconTask(ctx, task.ID); err != nil {
			r.logger.Error("recon resolve failed", slog.String("task", task.ID), slog.Any("err", err))
			continue
		}
		if result.Applied {
			r.metrics.PointsDebited.Add(float64(task.Points))
		}
		r.logger.Info("recon debit applied",
			slog.String("task", task.ID),
			slog.String("booking", task.BookingID),
			slog.Int64("points", task.Points),
			slog.Bool("applied", result.Applied),
		)
	}
}
