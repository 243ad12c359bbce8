package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"drawsync/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// memStore keeps drawings in a map keyed by drawing ID. Each Update is a
// read-modify-write under the store mutex.
type memStore struct {
	mu       sync.RWMutex
	drawings map[string]*core.Drawing
}

// NewStore creates a new in-memory store.
func NewStore() *memStore {
	return &memStore{drawings: make(map[string]*core.Drawing)}
}

// List returns metadata for all drawings owned by a user.
func (s *memStore) List(ctx context.Context, ownerID string) ([]*core.Drawing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	drawings := make([]*core.Drawing, 0)
	for _, d := range s.drawings {
		if d.OwnerID == ownerID {
			drawings = append(drawings, d.Metadata())
		}
	}
	sort.Slice(drawings, func(i, j int) bool {
		return drawings[i].UpdatedAt.After(drawings[j].UpdatedAt)
	})

	logrus.WithField("user_id", ownerID).Debugf("Listed %d drawings", len(drawings))
	return drawings, nil
}

func (s *memStore) Get(ctx context.Context, id string) (*core.Drawing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.drawings[id]
	if !ok {
		logrus.WithField("drawing_id", id).Debug("Drawing not found")
		return nil, fmt.Errorf("drawing %s: %w", id, core.ErrNotFound)
	}
	return d.Clone(), nil
}

func (s *memStore) Create(ctx context.Context, drawing *core.Drawing) error {
	if drawing.OwnerID == "" {
		return fmt.Errorf("OwnerID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if drawing.ID == "" {
		drawing.ID = ulid.Make().String()
	}
	if _, exists := s.drawings[drawing.ID]; exists {
		return fmt.Errorf("drawing %s already exists", drawing.ID)
	}
	now := core.Now()
	drawing.CreatedAt = now
	drawing.UpdatedAt = now
	s.drawings[drawing.ID] = drawing.Clone()

	logrus.WithFields(logrus.Fields{
		"user_id":     drawing.OwnerID,
		"drawing_id":  drawing.ID,
		"data_length": len(drawing.Document),
	}).Info("Drawing created successfully")
	return nil
}

func (s *memStore) Update(ctx context.Context, id string, patch core.DrawingPatch) (*core.Drawing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.drawings[id]
	if !ok {
		return nil, fmt.Errorf("drawing %s: %w", id, core.ErrNotFound)
	}

	next := current.Clone()
	patch.Apply(next)
	next.UpdatedAt = core.NextVersion(current.UpdatedAt)
	s.drawings[id] = next

	logrus.WithFields(logrus.Fields{"user_id": next.OwnerID, "drawing_id": id}).Debug("Drawing updated successfully")
	return next.Clone(), nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.drawings[id]; !ok {
		return fmt.Errorf("drawing %s: %w", id, core.ErrNotFound)
	}
	delete(s.drawings, id)
	logrus.WithField("drawing_id", id).Info("Drawing deleted successfully")
	return nil
}
