// Package record is the self-contained blob encoding used by the object
// stores (filesystem and S3), where the owner has to live inside the blob.
package record

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"drawsync/core"
)

type blob struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Title     string          `json:"title"`
	Document  json.RawMessage `json:"document,omitempty"`
	Thumbnail string          `json:"thumbnail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func Encode(d *core.Drawing) ([]byte, error) {
	data, err := json.Marshal(blob{
		ID:        d.ID,
		OwnerID:   d.OwnerID,
		Title:     d.Title,
		Document:  d.Document,
		Thumbnail: d.Thumbnail,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal drawing %s: %w", d.ID, err)
	}
	return data, nil
}

func Decode(data []byte) (*core.Drawing, error) {
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal drawing: %w", err)
	}
	return &core.Drawing{
		ID:        b.ID,
		OwnerID:   b.OwnerID,
		Title:     b.Title,
		Document:  b.Document,
		Thumbnail: b.Thumbnail,
		CreatedAt: b.CreatedAt.UTC(),
		UpdatedAt: b.UpdatedAt.UTC(),
	}, nil
}

// ValidID rejects identifiers that could escape the store's namespace.
// Object stores use the ID as a file or key name.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return path.Base(id) == id && !strings.ContainsAny(id, `\`)
}
