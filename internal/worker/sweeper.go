package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/srtforge/srtforge/internal/observe"
	"github.com/srtforge/srtforge/internal/store"
	"github.com/srtforge/srtforge/internal/task"
)

// maxSweepInterval caps how rarely the sweeper runs even for very long
// retention windows.
const maxSweepInterval = time.Hour

// SweepInterval derives the sweeper cadence from the retention window. The
// sweeper runs often enough that a result never outlives its expiry by more
// than a small fraction of the window.
func SweepInterval(retention time.Duration) time.Duration {
	interval := retention / 24
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// RunSweeper removes expired results on a fixed cadence until ctx is
// cancelled, evicting the corresponding task records so status lookups stop
// reporting results that no longer exist. Returns nil on shutdown.
func RunSweeper(ctx context.Context, st *store.Store, reg *task.Registry, metrics *observe.Metrics) error {
	interval := SweepInterval(st.Retention())
	log := slog.Default().With("component", "sweeper")
	log.Info("sweeper started", "interval", interval, "retention", st.Retention())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			swept, err := st.Sweep(time.Now())
			if err != nil {
				log.Error("sweep failed", "error", err)
				continue
			}
			if len(swept) == 0 {
				continue
			}
			reg.EvictExpired(swept)
			metrics.ResultsSwept.Add(ctx, int64(len(swept)))
			log.Info("sweep removed expired results", "count", len(swept))
		}
	}
}
