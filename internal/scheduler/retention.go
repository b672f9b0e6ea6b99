package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sweeper is the part of the upload store the retention job needs.
type Sweeper interface {
	SweepOlderThan(maxAge time.Duration) []string
	CleanScratch(maxAge time.Duration) (int, error)
}

// RetentionJob returns a job that deletes sessions idle for longer than
// maxAge, then removes scratch files no session owns.
func RetentionJob(s Sweeper, maxAge time.Duration, logger *slog.Logger) JobFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		removed := s.SweepOlderThan(maxAge)
		if len(removed) > 0 {
			logger.Info("swept expired upload sessions", "count", len(removed), "max_age", maxAge)
		}
		if _, err := s.CleanScratch(maxAge); err != nil {
			return fmt.Errorf("clean scratch: %w", err)
		}
		return nil
	}
}
