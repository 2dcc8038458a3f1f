package directory

import (
	"context"
	"log/slog"
	"time"
)

// SweepService periodically deletes directory rows older than MaxAge.
type SweepService struct {
	Cache    *Cache
	Interval time.Duration
	MaxAge   time.Duration
}

// Serve implements suture.Service.
func (s *SweepService) Serve(ctx context.Context) error {
	if s.Interval <= 0 || s.MaxAge <= 0 {
		slog.Info("directory sweep disabled", slog.Duration("interval", s.Interval), slog.Duration("max_age", s.MaxAge))
		<-ctx.Done()
		return ctx.Err()
	}
	slog.Info("directory sweep job starting", slog.Duration("interval", s.Interval), slog.Duration("max_age", s.MaxAge))
	ticker := s.Cache.clock.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("directory sweep job stopped")
			return ctx.Err()
		case <-ticker.Chan():
			if _, err := s.Cache.SweepExpired(ctx, s.MaxAge); err != nil {
				slog.Warn("directory sweep", slog.Any("err", err))
			}
		}
	}
}

func (s *SweepService) String() string { return "directory-sweep" }
