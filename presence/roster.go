package presence

import (
	"sort"
	"sync"
	"time"

	"drawsync/broadcast"
)

// Roster is a receiving client's view of who else is present. Entries are
// replaced on every update and only leave on participant.left or Prune.
type Roster struct {
	self string

	mu      sync.Mutex
	members map[string]Record
}

// NewRoster builds an empty roster. Records about self are ignored.
func NewRoster(self string) *Roster {
	return &Roster{self: self, members: make(map[string]Record)}
}

// Apply folds one presence event into the roster and reports whether it
// changed anything. It fits transport subscription handlers directly.
func (r *Roster) Apply(e broadcast.Event) bool {
	switch e.Type {
	case broadcast.EventParticipantJoined, broadcast.EventParticipantLeft, broadcast.EventPresenceUpdated:
	default:
		return false
	}
	var rec Record
	if err := e.Decode(&rec); err != nil || rec.UserID == "" || rec.UserID == r.self {
		return false
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = e.SentAt
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Type == broadcast.EventParticipantLeft {
		_, ok := r.members[rec.UserID]
		delete(r.members, rec.UserID)
		return ok
	}
	r.members[rec.UserID] = rec
	return true
}

func (r *Roster) Get(userID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.members[userID]
	return rec, ok
}

func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Snapshot returns a copy of every record, ordered by user ID.
func (r *Roster) Snapshot() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.members))
	for _, rec := range r.members {
		if rec.Cursor != nil {
			cursor := *rec.Cursor
			rec.Cursor = &cursor
		}
		rec.Selection = append([]string(nil), rec.Selection...)
		out = append(out, rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Prune drops records last updated before olderThan and returns how many
// went.
func (r *Roster) Prune(olderThan time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.members {
		if rec.UpdatedAt.Before(olderThan) {
			delete(r.members, id)
			n++
		}
	}
	return n
}

// Clear forgets everyone, e.g. when switching drawings.
func (r *Roster) Clear() {
	r.mu.Lock()
	r.members = make(map[string]Record)
	r.mu.Unlock()
}
