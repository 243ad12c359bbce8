// Package presence shares who is looking at a drawing and where their
// cursor is. Nothing here is persisted or acknowledged.
package presence

import (
	"time"

	"drawsync/broadcast"
	"drawsync/channels"
	"drawsync/core"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// Record is one collaborator's last known presence.
type Record = broadcast.Participant

// Whisperer sends client events to the other members of a presence
// channel. transport.Conn satisfies it.
type Whisperer interface {
	Whisper(channel, eventType string, data any) error
}

var palette = []string{
	"#e03131", "#c2255c", "#9c36b5", "#6741d9",
	"#3b5bdb", "#1971c2", "#0c8599", "#099268",
	"#2f9e44", "#66a80f", "#f08c00", "#e8590c",
}

// ColorFor picks a stable cursor color for a principal.
func ColorFor(subject string) string {
	return palette[xxhash.Sum64String(subject)%uint64(len(palette))]
}

// Broadcaster announces the local user on one drawing's presence channel.
type Broadcaster struct {
	w       Whisperer
	channel string
	self    Record
	now     func() time.Time
	log     logrus.FieldLogger
}

func NewBroadcaster(w Whisperer, drawingID string, p *core.Principal, log logrus.FieldLogger) *Broadcaster {
	if log == nil {
		log = logrus.StandardLogger()
	}
	channel := channels.Presence(drawingID)
	return &Broadcaster{
		w:       w,
		channel: channel,
		self: Record{
			UserID: p.Subject,
			Name:   p.Label(),
			Color:  ColorFor(p.Subject),
		},
		now: time.Now,
		log: log.WithField("channel", channel),
	}
}

func (b *Broadcaster) AnnounceJoin() {
	b.send(broadcast.EventParticipantJoined, b.self)
}

func (b *Broadcaster) AnnounceLeave() {
	b.send(broadcast.EventParticipantLeft, b.self)
}

// UpdateCursor shares the pointer position and the selected shape IDs.
func (b *Broadcaster) UpdateCursor(pos broadcast.Point, selection []string) {
	r := b.self
	r.Cursor = &pos
	r.Selection = append([]string(nil), selection...)
	b.send(broadcast.EventPresenceUpdated, r)
}

func (b *Broadcaster) send(eventType string, r Record) {
	r.UpdatedAt = b.now().UTC()
	if err := b.w.Whisper(b.channel, eventType, r); err != nil {
		b.log.WithError(err).WithField("event", eventType).Debug("Presence update dropped")
	}
}
