package websocket

import (
	"context"
	"encoding/json"
	"time"

	"drawsync/broadcast"
	"drawsync/channels"
	"drawsync/core"

	"github.com/sirupsen/logrus"
)

// Admitter checks a channel grant at subscribe time.
type Admitter interface {
	Admit(ctx context.Context, p *core.Principal, channel, token string) error
}

// Relay is the transport-independent part of a realtime connection:
// subscriptions go through the gate, whispers are checked and fanned out,
// and presence members are announced as gone when they drop.
type Relay struct {
	hub       *broadcast.Hub
	publisher broadcast.Publisher
	gate      Admitter
	log       logrus.FieldLogger
}

// NewRelay wires subscriptions into hub and publishes whispers through
// publisher, which is either the hub itself or a bridge that also delivers
// to it.
func NewRelay(hub *broadcast.Hub, publisher broadcast.Publisher, gate Admitter, log logrus.FieldLogger) *Relay {
	if publisher == nil {
		publisher = hub
	}
	return &Relay{hub: hub, publisher: publisher, gate: gate, log: log}
}

func (r *Relay) Subscribe(ctx context.Context, conn broadcast.Subscriber, p *core.Principal, channel, token string) error {
	if err := r.gate.Admit(ctx, p, channel, token); err != nil {
		r.log.WithFields(logrus.Fields{
			"channel":    channel,
			"connection": conn.ID(),
			"error":      err,
		}).Info("Subscription refused")
		return err
	}
	r.hub.Subscribe(channel, conn)
	return nil
}

// Unsubscribe is idempotent.
func (r *Relay) Unsubscribe(ctx context.Context, conn broadcast.Subscriber, p *core.Principal, channel string) {
	if r.hub.Unsubscribe(channel, conn.ID()) {
		r.departed(ctx, conn, p, channel)
	}
}

// Whisper relays a client event to the other members of a presence
// channel. The sender must be subscribed and may only speak for itself.
func (r *Relay) Whisper(ctx context.Context, conn broadcast.Subscriber, p *core.Principal, channel, eventType string, data json.RawMessage) error {
	const op = "whisper"
	if name, ok := channels.Parse(channel); !ok || name.Kind != channels.KindPresence {
		return core.Validation(op, "whispers are only relayed on presence channels")
	}
	if !r.hub.IsSubscribed(channel, conn.ID()) {
		return core.Forbidden(op, "not subscribed to "+channel)
	}
	switch eventType {
	case broadcast.EventParticipantJoined, broadcast.EventParticipantLeft, broadcast.EventPresenceUpdated:
	default:
		return core.Validation(op, "unsupported whisper type "+eventType)
	}

	var member broadcast.Participant
	if err := json.Unmarshal(data, &member); err != nil {
		return core.Validation(op, "malformed whisper payload")
	}
	if member.UserID != p.Subject {
		return core.Forbidden(op, "whisper speaks for another user")
	}

	return r.publisher.Publish(ctx, broadcast.Event{
		Type:    eventType,
		Channel: channel,
		Data:    data,
		SentAt:  time.Now().UTC(),
		Origin:  conn.ID(),
	})
}

// Disconnect drops every subscription of conn.
func (r *Relay) Disconnect(ctx context.Context, conn broadcast.Subscriber, p *core.Principal) {
	for _, channel := range r.hub.UnsubscribeAll(conn.ID()) {
		r.departed(ctx, conn, p, channel)
	}
}

// departed tells the rest of a presence channel that p is gone, so rosters
// clear even when the client could not say goodbye.
func (r *Relay) departed(ctx context.Context, conn broadcast.Subscriber, p *core.Principal, channel string) {
	if name, ok := channels.Parse(channel); !ok || name.Kind != channels.KindPresence || !p.Authenticated() {
		return
	}
	event, err := broadcast.NewEvent(broadcast.EventParticipantLeft, channel, broadcast.Participant{
		UserID:    p.Subject,
		Name:      p.Label(),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	event.Origin = conn.ID()
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.log.WithFields(logrus.Fields{"channel": channel, "error": err}).Debug("Failed to announce departure")
	}
}
