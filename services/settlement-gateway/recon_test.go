package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"bookpay/native/points"
	"bookpay/observability/metrics"
)

func newTestReconciler(t *testing.T) (*reconciler, *Store, *AuthorizationStore) {
	t.Helper()
	store := newTestStore(t)
	auths := newTestAuthStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewSettlement(prometheus.NewRegistry(), "bookpay_recon_test")
	rec := newReconciler(store, auths, logger, m, ReconConfig{BatchSize: 10, MaxAttempts: 5}, time.Second)
	return rec, store, auths
}

func TestSweepAppliesQueuedDebit(t *testing.T) {
	rec, store, _ := newTestReconciler(t)
	ctx := context.Background()

	// The debit failed at confirmation time because the balance was short;
	// once the user earns points the sweep must land it.
	require.NoError(t, store.EnqueueDebitRetry(ctx, "0xb1", "user-1", 480, points.ErrInsufficientPoints))
	_, err := store.CreditPoints(ctx, "user-1", 500, points.TxFundingCredit, points.Reference{Type: "funding", ID: "tx-late"}, "")
	require.NoError(t, err)

	rec.sweep(ctx)

	acct, err := store.PointsBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(20), acct.Balance)

	due, err := store.DueReconTasks(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due, "applied task must leave the queue")

	// A second sweep finds nothing to redo.
	rec.sweep(ctx)
	acct, err = store.PointsBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(20), acct.Balance)
}

func TestSweepPrunesExpiredAuthorizations(t *testing.T) {
	rec, _, auths := newTestReconciler(t)
	now := time.Now()
	rec.nowFn = func() time.Time { return now }

	require.NoError(t, auths.PutIssued("0xdead", "0xb1", now.Add(-10*time.Minute).Unix(), now.Add(-5*time.Minute).Unix()))
	require.NoError(t, auths.PutIssued("0xlive", "0xb2", now.Unix(), now.Add(5*time.Minute).Unix()))

	rec.sweep(context.Background())

	require.NoError(t, auths.PutIssued("0xdead", "0xb3", now.Unix(), now.Add(5*time.Minute).Unix()), "expired nonce must have been pruned")
	require.Error(t, auths.PutIssued("0xlive", "0xb4", now.Unix(), now.Add(5*time.Minute).Unix()), "live nonce must survive the sweep")
}
