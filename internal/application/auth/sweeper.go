package auth

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is implemented by code stores without native expiry (postgres, memory).
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// RunSweeper deletes expired codes every interval until ctx is done.
func RunSweeper(ctx context.Context, store Sweeper, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.Sweep(ctx, now)
			if err != nil {
				slog.Warn("sweep expired codes failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("swept expired codes", "count", n)
			}
		}
	}
}
