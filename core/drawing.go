package core

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultTitle is used when a drawing is created without a usable title.
	DefaultTitle = "Untitled drawing"

	// MaxTitleLength is counted in runes.
	MaxTitleLength = 255
)

type (
	// Drawing is a user-owned canvas. UpdatedAt doubles as the version token:
	// every successful write stamps a new one and nothing else orders writes.
	Drawing struct {
		ID        string          `json:"id"`
		OwnerID   string          `json:"-"`
		Title     string          `json:"title"`
		Document  json.RawMessage `json:"document,omitempty"`
		Thumbnail string          `json:"thumbnail,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
		UpdatedAt time.Time       `json:"updated_at"`
	}

	// DrawingPatch carries the subset of fields a save touches. A nil field is
	// left as stored; a present Document replaces the stored one wholesale.
	DrawingPatch struct {
		Title     *string         `json:"title,omitempty"`
		Document  json.RawMessage `json:"document,omitempty"`
		Thumbnail *string         `json:"thumbnail,omitempty"`
	}

	// DrawingStore is the persistence layer for drawings. Lookups are by ID
	// alone so callers can tell a foreign drawing (forbidden) from a missing
	// one (not found); ownership is enforced above the store.
	DrawingStore interface {
		// List returns metadata for every drawing owned by ownerID, newest
		// first. Document is left empty.
		List(ctx context.Context, ownerID string) ([]*Drawing, error)

		// Get returns the full drawing or an error wrapping ErrNotFound.
		Get(ctx context.Context, id string) (*Drawing, error)

		// Create stores a new drawing, assigning ID, CreatedAt and UpdatedAt.
		Create(ctx context.Context, drawing *Drawing) error

		// Update applies patch atomically and returns the committed drawing
		// with its new UpdatedAt.
		Update(ctx context.Context, id string, patch DrawingPatch) (*Drawing, error)

		// Delete removes a drawing. Missing drawings wrap ErrNotFound.
		Delete(ctx context.Context, id string) error
	}
)

// Empty reports whether the patch would change nothing.
func (p DrawingPatch) Empty() bool {
	return p.Title == nil && len(p.Document) == 0 && p.Thumbnail == nil
}

// Apply copies the present patch fields onto d.
func (p DrawingPatch) Apply(d *Drawing) {
	if p.Title != nil {
		d.Title = *p.Title
	}
	if len(p.Document) > 0 {
		d.Document = append(json.RawMessage(nil), p.Document...)
	}
	if p.Thumbnail != nil {
		d.Thumbnail = *p.Thumbnail
	}
}

// Metadata returns a copy of d without the document payload, for list views.
func (d *Drawing) Metadata() *Drawing {
	return &Drawing{
		ID:        d.ID,
		OwnerID:   d.OwnerID,
		Title:     d.Title,
		Thumbnail: d.Thumbnail,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// Clone returns a deep copy of d.
func (d *Drawing) Clone() *Drawing {
	c := *d
	if d.Document != nil {
		c.Document = append(json.RawMessage(nil), d.Document...)
	}
	return &c
}

// ValidateTitle checks the stored-title contract.
func ValidateTitle(op, title string) error {
	if strings.TrimSpace(title) == "" {
		return Validation(op, "title must not be blank")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return Validation(op, "title must be at most 255 characters")
	}
	return nil
}

// Now returns the store timestamp for a commit. Microsecond precision is
// what postgres keeps, so every backend round-trips the version token
// without drift.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NextVersion returns the timestamp for a commit that follows prev. It is
// strictly after prev even when the clock has not advanced.
func NextVersion(prev time.Time) time.Time {
	now := Now()
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
