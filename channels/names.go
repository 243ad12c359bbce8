// Package channels names the broadcast channels and decides who may join
// them.
package channels

import "strings"

const (
	drawingPrefix  = "private-drawing."
	presencePrefix = "presence-drawing."
	userPrefix     = "private-user."
)

// Kind is the resource type a channel name encodes.
type Kind int

const (
	KindUnknown Kind = iota
	KindDrawing
	KindPresence
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindDrawing:
		return "drawing"
	case KindPresence:
		return "presence"
	case KindUser:
		return "user"
	default:
		return "unknown"
	}
}

// Name is a parsed channel name.
type Name struct {
	Kind Kind
	ID   string
}

// Drawing is the channel carrying document updates for a drawing.
func Drawing(id string) string { return drawingPrefix + id }

// Presence is the ephemeral cursor and join/leave channel of a drawing.
func Presence(id string) string { return presencePrefix + id }

// User carries creation and deletion notices for a principal's drawings.
func User(subject string) string { return userPrefix + subject }

// Parse matches channel against the known patterns. The identifier must be
// non-empty and free of whitespace and further dots.
func Parse(channel string) (Name, bool) {
	for _, p := range []struct {
		prefix string
		kind   Kind
	}{
		{drawingPrefix, KindDrawing},
		{presencePrefix, KindPresence},
		{userPrefix, KindUser},
	} {
		id, ok := strings.CutPrefix(channel, p.prefix)
		if !ok {
			continue
		}
		if !validID(id, p.kind) {
			return Name{}, false
		}
		return Name{Kind: p.kind, ID: id}, true
	}
	return Name{}, false
}

func validID(id string, kind Kind) bool {
	if id == "" || strings.ContainsAny(id, " \t\r\n/") {
		return false
	}
	// Subjects such as "github:123" may contain colons but drawing IDs are
	// plain ULIDs.
	if kind != KindUser && strings.ContainsAny(id, ".:") {
		return false
	}
	return true
}
