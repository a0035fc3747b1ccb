package jobs

import (
	"context"
	"log/slog"
	"time"
)

// Expirer releases holds whose TTL has passed.
type Expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

type Sweeper struct {
	expirer   Expirer
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

func NewSweeper(expirer Expirer, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		expirer:   expirer,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("hold sweep failed", "err", err)
			}
		}
	}
}

// Sweep expires due holds batch by batch until a batch comes back short.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.expirer.ExpireDue(ctx, s.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.batchSize || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		s.logger.Info("expired holds released", "count", total)
	}
	return total, nil
}
