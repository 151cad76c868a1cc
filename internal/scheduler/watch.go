package scheduler

import (
	"context"
	"time"
)

// Watch keeps the registry in line with changes made by other replicas. Each
// id received on changes is reconciled on its own; every interval the whole
// store is reconciled. A zero interval disables the periodic pass. Watch
// returns when ctx is done or changes is closed.
func (r *Registry) Watch(ctx context.Context, changes <-chan string, interval time.Duration) {
	r.log.Info("Registry watch started", "interval", interval)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Registry watch stopping")
			return
		case id, ok := <-changes:
			if !ok {
				r.log.Warn("Schedule change feed closed")
				return
			}
			if _, err := r.ReconcileOne(ctx, id); err != nil {
				r.log.Error("Failed to apply schedule change", "schedule_id", id, "error", err)
			}
		case <-tick:
			if _, err := r.Reconcile(ctx); err != nil {
				r.log.Error("Periodic reconcile failed", "error", err)
			}
		}
	}
}
