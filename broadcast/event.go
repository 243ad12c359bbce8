// Package broadcast carries server events to channel subscribers, locally
// through a Hub and across instances through Redis.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	EventDocumentUpdated   = "document.updated"
	EventDrawingCreated    = "drawing.created"
	EventDrawingDeleted    = "drawing.deleted"
	EventParticipantJoined = "participant.joined"
	EventParticipantLeft   = "participant.left"
	EventPresenceUpdated   = "presence.updated"

	// Transport acknowledgements, addressed to a single connection.
	EventSubscribed        = "subscription.succeeded"
	EventSubscriptionError = "subscription.error"
	EventError             = "error"
)

type (
	// Event is the envelope every transport delivers. Origin is the
	// connection that produced it; fan-out never returns an event to its
	// origin.
	Event struct {
		Type    string          `json:"type"`
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data,omitempty"`
		SentAt  time.Time       `json:"sent_at"`
		Origin  string          `json:"origin,omitempty"`
	}

	// DocumentUpdate is the payload of document.updated.
	DocumentUpdate struct {
		ID        string          `json:"id"`
		Title     string          `json:"title"`
		Document  json.RawMessage `json:"document"`
		UpdatedAt time.Time       `json:"updated_at"`
	}

	// DrawingNotice is the payload of drawing.created and drawing.deleted.
	DrawingNotice struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Participant is the payload of the presence events. Cursor and
	// Selection are absent on join and leave.
	Participant struct {
		UserID    string    `json:"user_id"`
		Name      string    `json:"name,omitempty"`
		Color     string    `json:"color,omitempty"`
		Cursor    *Point    `json:"cursor,omitempty"`
		Selection []string  `json:"selection,omitempty"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	Point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	Publisher interface {
		Publish(ctx context.Context, event Event) error
	}

	// PublisherFunc adapts a function to Publisher.
	PublisherFunc func(ctx context.Context, event Event) error
)

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewEvent encodes data into an event for channel.
func NewEvent(eventType, channel string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{
		Type:    eventType,
		Channel: channel,
		Data:    raw,
		SentAt:  time.Now().UTC(),
	}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event has no payload", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })
