package artifact

import (
	"context"
	"time"

	"github.com/conveyor-ci/conveyor/internal/ctxlog"
)

// Janitor periodically sweeps expired artifacts out of a store.
type Janitor struct {
	store    *Store
	interval time.Duration
}

// NewJanitor creates a Janitor sweeping at the given interval.
func NewJanitor(store *Store, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{store: store, interval: interval}
}

// Run sweeps until the context is cancelled. Expiry proceeds independently
// of any pipeline run lifetime.
func (j *Janitor) Run(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := j.store.Expire(now); removed > 0 {
				logger.Info("expired artifacts", "removed", removed)
			}
		}
	}
}
