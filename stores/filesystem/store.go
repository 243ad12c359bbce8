package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"drawsync/core"
	"drawsync/stores/record"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const ext = ".json"

// fsStore keeps one JSON file per drawing under basePath. Writes go through
// a temp file and a rename so readers never see a torn file.
type fsStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewStore creates a new filesystem-based store.
func NewStore(basePath string) (*fsStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &fsStore{basePath: basePath}, nil
}

func (s *fsStore) path(id string) (string, bool) {
	if !record.ValidID(id) {
		return "", false
	}
	return filepath.Join(s.basePath, id+ext), true
}

func (s *fsStore) List(ctx context.Context, ownerID string) ([]*core.Drawing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := logrus.WithField("user_id", ownerID).WithField("path", s.basePath)
	files, err := os.ReadDir(s.basePath)
	if err != nil {
		log.WithError(err).Error("Failed to read storage directory")
		return nil, err
	}

	drawings := make([]*core.Drawing, 0)
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ext) {
			continue
		}
		d, err := s.read(filepath.Join(s.basePath, file.Name()))
		if err != nil {
			log.WithError(err).Warnf("Failed to read drawing file %s, skipping", file.Name())
			continue
		}
		if d.OwnerID == ownerID {
			drawings = append(drawings, d.Metadata())
		}
	}
	sort.Slice(drawings, func(i, j int) bool {
		return drawings[i].UpdatedAt.After(drawings[j].UpdatedAt)
	})

	log.Debugf("Listed %d drawings", len(drawings))
	return drawings, nil
}

func (s *fsStore) Get(ctx context.Context, id string) (*core.Drawing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(id)
}

func (s *fsStore) get(id string) (*core.Drawing, error) {
	filePath, ok := s.path(id)
	if !ok {
		return nil, fmt.Errorf("drawing %q: %w", id, core.ErrNotFound)
	}
	d, err := s.read(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("drawing %s: %w", id, core.ErrNotFound)
		}
		logrus.WithFields(logrus.Fields{"drawing_id": id, "path": filePath}).WithError(err).Error("Failed to read drawing file")
		return nil, err
	}
	return d, nil
}

func (s *fsStore) Create(ctx context.Context, drawing *core.Drawing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if drawing.ID == "" {
		drawing.ID = ulid.Make().String()
	}
	filePath, ok := s.path(drawing.ID)
	if !ok {
		return fmt.Errorf("invalid drawing id %q", drawing.ID)
	}
	if _, err := os.Stat(filePath); err == nil {
		return fmt.Errorf("drawing %s already exists", drawing.ID)
	}

	now := core.Now()
	drawing.CreatedAt, drawing.UpdatedAt = now, now
	if err := s.write(filePath, drawing); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"user_id": drawing.OwnerID, "drawing_id": drawing.ID}).Info("Drawing created successfully")
	return nil
}

// Update reads, patches and rewrites the file under this process's lock.
// Another instance sharing the directory can interleave with it.
func (s *fsStore) Update(ctx context.Context, id string, patch core.DrawingPatch) (*core.Drawing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.get(id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	patch.Apply(next)
	next.UpdatedAt = core.NextVersion(current.UpdatedAt)

	filePath, _ := s.path(id)
	if err := s.write(filePath, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *fsStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filePath, ok := s.path(id)
	if !ok {
		return fmt.Errorf("drawing %q: %w", id, core.ErrNotFound)
	}
	log := logrus.WithFields(logrus.Fields{"drawing_id": id, "path": filePath})
	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("drawing %s: %w", id, core.ErrNotFound)
		}
		log.WithError(err).Error("Failed to delete drawing file")
		return err
	}
	log.Info("Drawing deleted successfully")
	return nil
}

func (s *fsStore) read(filePath string) (*core.Drawing, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return record.Decode(data)
}

func (s *fsStore) write(filePath string, d *core.Drawing) error {
	data, err := record.Encode(d)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.basePath, ".drawing-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write drawing %s: %w", d.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write drawing %s: %w", d.ID, err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write drawing %s: %w", d.ID, err)
	}
	return nil
}
