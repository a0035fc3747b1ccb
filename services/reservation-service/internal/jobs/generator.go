package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/availability"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/clock"
)

type BusinessLister interface {
	Businesses(ctx context.Context) ([]string, error)
}

type SlotGenerator interface {
	Generate(ctx context.Context, businessID string, from, to time.Time) (availability.GenerateResult, error)
}

// Generator keeps slots materialized over a rolling horizon for every configured business.
type Generator struct {
	businesses BusinessLister
	gen        SlotGenerator
	clock      clock.Clock
	logger     *slog.Logger
	interval   time.Duration
	horizon    time.Duration
}

type GeneratorConfig struct {
	Interval time.Duration
	Horizon  time.Duration
}

func NewGenerator(businesses BusinessLister, gen SlotGenerator, clk clock.Clock, logger *slog.Logger, cfg GeneratorConfig) *Generator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 14 * 24 * time.Hour
	}
	if cfg.Horizon > availability.MaxRange {
		cfg.Horizon = availability.MaxRange
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Generator{
		businesses: businesses,
		gen:        gen,
		clock:      clk,
		logger:     logger,
		interval:   cfg.Interval,
		horizon:    cfg.Horizon,
	}
}

// Run generates once immediately, then on every tick.
func (g *Generator) Run(ctx context.Context) {
	if err := g.GenerateAll(ctx); err != nil {
		g.logger.Error("slot generation failed", "err", err)
	}
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.GenerateAll(ctx); err != nil {
				g.logger.Error("slot generation failed", "err", err)
			}
		}
	}
}

// GenerateAll runs every business; one failing business does not stop the others.
func (g *Generator) GenerateAll(ctx context.Context) error {
	ids, err := g.businesses.Businesses(ctx)
	if err != nil {
		return err
	}
	now := g.clock.Now()
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := g.gen.Generate(ctx, id, now, now.Add(g.horizon)); err != nil {
			g.logger.Warn("business slot generation failed", "business_id", id, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
