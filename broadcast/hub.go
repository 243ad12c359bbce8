package broadcast

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Subscriber receives events for the channels it joined. Deliver must not
// block; slow connections drop or buffer on their own side.
type Subscriber interface {
	ID() string
	Deliver(event Event)
}

// Hub is the in-process channel registry. It implements Publisher for the
// local instance.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]Subscriber
	log      logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		channels: make(map[string]map[string]Subscriber),
		log:      log,
	}
}

func (h *Hub) Subscribe(channel string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.channels[channel]
	if !ok {
		members = make(map[string]Subscriber)
		h.channels[channel] = members
	}
	members[sub.ID()] = sub
	h.log.WithFields(logrus.Fields{"channel": channel, "subscriber": sub.ID()}).Debug("Subscribed")
}

// Unsubscribe removes subscriberID from channel and reports whether it was
// a member.
func (h *Hub) Unsubscribe(channel, subscriberID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.channels[channel]
	if !ok {
		return false
	}
	if _, ok := members[subscriberID]; !ok {
		return false
	}
	delete(members, subscriberID)
	if len(members) == 0 {
		delete(h.channels, channel)
	}
	return true
}

// UnsubscribeAll drops subscriberID everywhere and returns the channels it
// left, sorted.
func (h *Hub) UnsubscribeAll(subscriberID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var left []string
	for channel, members := range h.channels {
		if _, ok := members[subscriberID]; ok {
			delete(members, subscriberID)
			left = append(left, channel)
			if len(members) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	sort.Strings(left)
	return left
}

func (h *Hub) IsSubscribed(channel, subscriberID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][subscriberID]
	return ok
}

func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Publish delivers event to every local member of its channel except the
// origin.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.RLock()
	members := make([]Subscriber, 0, len(h.channels[event.Channel]))
	for id, sub := range h.channels[event.Channel] {
		if id == event.Origin {
			continue
		}
		members = append(members, sub)
	}
	h.mu.RUnlock()

	for _, sub := range members {
		sub.Deliver(event)
	}
	h.log.WithFields(logrus.Fields{
		"channel":    event.Channel,
		"type":       event.Type,
		"recipients": len(members),
	}).Debug("Event delivered")
	return nil
}
