package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"sessiondb/pkg/logger"
)

// Start launches the periodic sweep scheduler and the on-demand queue
// worker. It returns a cancel func that stops both. When cron is empty a
// nightly sweep at 03:00 is used.
func (r *Reconciler) Start(ctx context.Context, cron string) (context.CancelFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil, fmt.Errorf("reconciler already started")
	}
	if cron == "" {
		cron = "0 3 * * *"
	}
	if !gronx.IsValid(cron) {
		logger.Error("reconcile_invalid_cron", "cron", cron)
		return nil, fmt.Errorf("invalid reconcile cron expression: %s", cron)
	}
	ctx2, cancel := context.WithCancel(ctx)
	r.started = true

	go r.runWorker(ctx2)
	go r.runScheduler(ctx2, cron)

	logger.Info("reconcile_scheduler_started", "cron", cron, "queue_cap", cap(r.queue))
	return cancel, nil
}

// runScheduler sleeps until the next cron tick and triggers a full sweep.
func (r *Reconciler) runScheduler(ctx context.Context, cron string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("reconcile_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cron, now, false)
		if err != nil {
			logger.Error("reconcile_nexttick_failed", "cron", cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := r.ReconcileAll(ctx); err != nil {
				logger.Error("reconcile_sweep_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("reconcile_scheduler_stopping")
			return
		}
	}
}
