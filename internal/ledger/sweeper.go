package ledger

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the sweeper looks for idle recipients.
const DefaultSweepInterval = 5 * time.Minute

// StartSweeper runs a background goroutine that periodically evicts
// recipients idle for longer than idleTTL. A non-positive idleTTL disables it.
// The goroutine exits when ctx is done; the returned channel is closed then.
func StartSweeper(ctx context.Context, l *Ledger, interval, idleTTL time.Duration, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	if idleTTL <= 0 {
		close(done)
		return done
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		logger.Info("Ledger sweeper started", "interval", interval, "idle_ttl", idleTTL)

		for {
			select {
			case now := <-ticker.C:
				sweep(l, now, idleTTL, logger)
			case <-ctx.Done():
				logger.Info("Ledger sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func sweep(l *Ledger, now time.Time, idleTTL time.Duration, logger *slog.Logger) {
	evicted := l.Evict(now.Add(-idleTTL))
	if evicted == 0 {
		return
	}
	logger.Info("Ledger sweeper evicted idle recipients", "count", evicted, "remaining", l.Len())
}
