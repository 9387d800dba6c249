package utils

import (
	"context"
	"time"
)

// StaleConversionSweeper is implemented by the reward service.
type StaleConversionSweeper interface {
	ReconcileStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StartConversionReconciler periodically flags conversions stuck in pending
// for longer than olderThan. It stops when ctx is cancelled.
func StartConversionReconciler(ctx context.Context, sweeper StaleConversionSweeper, interval, olderThan time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := sweeper.ReconcileStale(runCtx, olderThan)
			cancel()
			if err != nil {
				Sugar.Warnf("conversion reconciler failed: %v", err)
				continue
			}
			if n > 0 {
				Sugar.Infof("conversion reconciler flagged %d stale conversions", n)
			}
		}
	}()
}
