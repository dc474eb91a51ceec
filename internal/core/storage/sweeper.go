package storage

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is implemented by stores that can delete expired rows in bulk.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
// Reads already ignore expired rows, so a failed sweep is only logged.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				slog.Warn("Expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("Expiry sweep removed rows", "rows", n)
			}
		}
	}
}
