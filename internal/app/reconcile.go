package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// pendingReconciler is the part of the sale repository the reconciler uses.
type pendingReconciler interface {
	Reconcile(ctx context.Context, olderThan time.Time) (int, error)
}

// reconciler periodically rolls back sales left pending by a failed
// rollback or a crash between the header and line-item writes.
type reconciler struct {
	sales    pendingReconciler
	interval time.Duration
	grace    time.Duration
	now      func() time.Time

	lastRun atomic.Int64 // unix nanos of the last successful pass
}

func newReconciler(sales pendingReconciler, cfg ReconcileConfig) *reconciler {
	r := &reconciler{
		sales:    sales,
		interval: cfg.Interval,
		grace:    cfg.Grace,
		now:      time.Now,
	}
	r.lastRun.Store(r.now().UnixNano())
	return r
}

// LastRun reports when the last pass succeeded.
func (r *reconciler) LastRun() time.Time {
	return time.Unix(0, r.lastRun.Load())
}

// Run reconciles once immediately and then every interval until ctx is done.
func (r *reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.pass(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *reconciler) pass(ctx context.Context) {
	now := r.now()
	n, err := r.sales.Reconcile(ctx, now.Add(-r.grace))
	if err != nil {
		if ctx.Err() == nil {
			zctx.From(ctx).Warn("Reconcile pending sales failed", zap.Error(err), zap.Int("removed", n))
		}
		return
	}
	r.lastRun.Store(now.UnixNano())
}
