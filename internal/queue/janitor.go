package queue

import (
	"context"
	"time"
)

// RunJanitor sweeps the store every interval until ctx is cancelled
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(); err != nil {
				s.logger.Warn("queue sweep failed", "error", err)
			}
		}
	}
}
