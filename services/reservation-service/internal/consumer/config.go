package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/availability"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/clock"
)

// Invalidator drops cached configuration of one business.
type Invalidator interface {
	Invalidate(ctx context.Context, businessID string) error
}

// Generator regenerates slots of one business.
type Generator interface {
	Generate(ctx context.Context, businessID string, from, to time.Time) (availability.GenerateResult, error)
}

type configUpdated struct {
	BusinessID string `json:"business_id"`
	Version    int64  `json:"version"`
}

// ConfigUpdatedHandler reacts to business.config.updated.v1: the cached document is dropped and slots
// are regenerated over horizon from now. A nil cache is allowed.
func ConfigUpdatedHandler(cache Invalidator, gen Generator, clk clock.Clock, horizon time.Duration, logger *slog.Logger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var evt configUpdated
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return fmt.Errorf("decode config event: %w: %w", ErrMalformed, err)
		}
		if evt.BusinessID == "" {
			return fmt.Errorf("config event without business_id: %w", ErrMalformed)
		}
		if cache != nil {
			if err := cache.Invalidate(ctx, evt.BusinessID); err != nil {
				logger.Warn("config cache invalidate failed", "business_id", evt.BusinessID, "err", err)
			}
		}
		now := clk.Now()
		res, err := gen.Generate(ctx, evt.BusinessID, now, now.Add(horizon))
		if err != nil {
			return fmt.Errorf("regenerate %s: %w", evt.BusinessID, err)
		}
		logger.Info("slots regenerated after config change",
			"business_id", evt.BusinessID,
			"version", evt.Version,
			"created", res.Created,
			"updated", res.Updated,
			"retired", res.Retired,
		)
		return nil
	}
}
