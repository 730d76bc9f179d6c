package cache

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically reclaims frame cache entries past their TTL. This is
// the cache's only eviction mechanism (spec §4.2: "no hard maximum entry
// count; the TTL is the sole eviction trigger").
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSweeper creates a background sweeper for c, running every interval.
func NewSweeper(c *Cache, interval time.Duration, logger *slog.Logger) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		cache:    c,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if removed := s.cache.sweepExpired(); removed > 0 && s.logger != nil {
					s.logger.Debug("frame cache swept", "removed", removed, "remaining", s.cache.Len())
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	s.cancel()
}
