package broadcast

import "encoding/json"

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionWhisper     = "whisper"
)

// Frame is a client message on the realtime transports. Auth carries the
// channel grant on subscribe; Type and Data describe a whisper.
type Frame struct {
	Action  string          `json:"action"`
	Channel string          `json:"channel"`
	Auth    string          `json:"auth,omitempty"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Ack builds the acknowledgement sent back to the connection that issued
// a subscribe. A nil err means success.
func Ack(channel string, err error) Event {
	if err == nil {
		e, _ := NewEvent(EventSubscribed, channel, struct{}{})
		return e
	}
	return Failure(EventSubscriptionError, channel, err)
}

// Failure reports err to a single connection.
func Failure(eventType, channel string, err error) Event {
	e, _ := NewEvent(eventType, channel, map[string]string{"error": err.Error()})
	return e
}
