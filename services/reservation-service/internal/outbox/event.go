package outbox

import (
	"encoding/json"
	"time"
)

// Event is the domain event envelope written to the outbox table in the same unit of work as the
// state change it describes. The Kafka topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	EventHoldCreated      = "reservation.hold.created.v1"
	EventHoldExpired      = "reservation.hold.expired.v1"
	EventHoldReleased     = "reservation.hold.released.v1"
	EventBookingConfirmed = "reservation.booking.confirmed.v1"
	EventBookingCancelled = "reservation.booking.cancelled.v1"
	EventBookingCompleted = "reservation.booking.completed.v1"
	EventConfigUpdated    = "business.config.updated.v1"
)

// NewEvent marshals payload and stamps occurred_at when the payload is a map without it.
func NewEvent(aggregateType, aggregateID, eventType string, payload map[string]any, now time.Time) (Event, error) {
	if _, ok := payload["occurred_at"]; !ok {
		payload["occurred_at"] = now.UTC().Format(time.RFC3339)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}
