package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/slotkeeper/libs/kafkax"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/inbox"
)

type Handler func(ctx context.Context, msg kafka.Message) error

// ErrMalformed marks a message no retry or replay can fix.
var ErrMalformed = errors.New("malformed event")

// Reader is satisfied by *kafka.Reader.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Consumer struct {
	reader   Reader
	logger   *slog.Logger
	inbox    inbox.Recorder
	handler  Handler
	attempts int
	interval time.Duration
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
}

func New(logger *slog.Logger, recorder inbox.Recorder, cfg Config, handler Handler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkax.SplitBrokers(cfg.Brokers),
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return NewWithReader(logger, recorder, reader, handler)
}

func NewWithReader(logger *slog.Logger, recorder inbox.Recorder, reader Reader, handler Handler) *Consumer {
	return &Consumer{
		reader:   reader,
		logger:   logger,
		inbox:    recorder,
		handler:  handler,
		attempts: 3,
		interval: 200 * time.Millisecond,
	}
}

// SetHandlerRetry bounds how often a failing handler is re-run for one message.
func (c *Consumer) SetHandlerRetry(attempts int, interval time.Duration) {
	if attempts > 0 {
		c.attempts = attempts
	}
	if interval > 0 {
		c.interval = interval
	}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.Process(ctx, msg)
	}
}

// Process records msg in the inbox and runs the handler once per event id. A failing handler is
// retried a few times; if it still fails the inbox entry is dropped again so a replay of the same
// event id is handled instead of ignored.
func (c *Consumer) Process(ctx context.Context, msg kafka.Message) {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)

	ok, err := c.inbox.Record(ctxSpan, meta.EventID, meta.EventType)
	if err != nil {
		c.logger.Error("inbox record failed", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if !ok {
		c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
		return
	}

	if err := c.handle(ctxSpan, msg); err != nil {
		c.logger.Error("handler error", "err", err, "event_id", meta.EventID, "event_type", meta.EventType)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrMalformed) {
			return
		}
		if err := c.inbox.Forget(context.WithoutCancel(ctxSpan), meta.EventID); err != nil {
			c.logger.Error("inbox forget failed", "err", err, "event_id", meta.EventID)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.interval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.handler(ctx, msg)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrMalformed) {
			return struct{}{}, backoff.Permanent(err)
		}
		c.logger.WarnContext(ctx, "handler failed, retrying", "attempt", attempt, "err", err)
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(c.attempts)))
	return err
}
