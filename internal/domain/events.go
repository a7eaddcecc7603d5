package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventSpotCreated             EventType = "spot.created"
	EventSpotInteractionRecorded EventType = "spot.interaction_recorded"
	EventSpotExpired             EventType = "spot.expired"
	EventSpotRemoved             EventType = "spot.removed"
	EventSparkDetected           EventType = "spark.detected"
	EventSparkAccepted           EventType = "spark.accepted"
	EventSparkMatched            EventType = "spark.matched"
	EventSparkDeclined           EventType = "spark.declined"
	EventSparkExpired            EventType = "spark.expired"
)

// Map alias for event payloads
type Map map[string]interface{}

// Event is a plain record of something that happened to an aggregate. Recipients lists the
// users a notification sink should deliver it to.
type Event struct {
	Type        EventType   `json:"type"`
	AggregateID uuid.UUID   `json:"aggregate_id"`
	ActorID     uuid.UUID   `json:"actor_id,omitempty"`
	Recipients  []uuid.UUID `json:"recipients,omitempty"`
	Data        Map         `json:"data,omitempty"`
	OccurredAt  time.Time   `json:"occurred_at"`
}

// EventPublisher hands events to the notification collaborator. Implementations must not block
// the caller on delivery.
type EventPublisher interface {
	Publish(ctx context.Context, events ...Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...Event) {}

// eventLog is embedded by aggregates to collect events until the caller drains them.
type eventLog struct {
	events []Event
}

func (l *eventLog) record(e Event) {
	l.events = append(l.events, e)
}

// PullEvents returns and clears the pending events.
func (l *eventLog) PullEvents() []Event {
	out := l.events
	l.events = nil
	return out
}
