package autosave

import (
	"fmt"
	"time"
)

// State is what the save indicator shows.
type State int

const (
	StateIdle State = iota
	StatePending
	StateSaving
	StateSaved
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSaving:
		return "saving"
	case StateSaved:
		return "saved"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Status is a single indicator update. Err is set only in StateError and is
// always dismissible; local edits keep queuing regardless.
type Status struct {
	State     State
	DrawingID string
	SavedAt   time.Time
	Err       error
}

// Message renders the indicator text.
func (s Status) Message() string {
	switch s.State {
	case StatePending, StateSaving:
		return "Saving…"
	case StateSaved:
		return fmt.Sprintf("Saved at %s", s.SavedAt.Local().Format("15:04:05"))
	case StateError:
		return fmt.Sprintf("Save failed, will retry: %v", s.Err)
	default:
		return ""
	}
}
