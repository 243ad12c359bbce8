// Package gateway is the persistence contract between editors and storage:
// Service runs on the server behind the HTTP handlers, Client is what an
// embedded editor calls.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"drawsync/broadcast"
	"drawsync/channels"
	"drawsync/core"
	"drawsync/snapshot"

	"github.com/sirupsen/logrus"
)

const publishTimeout = 5 * time.Second

// Service authorizes, stores and republishes drawing writes.
type Service struct {
	store     core.DrawingStore
	publisher broadcast.Publisher
	log       logrus.FieldLogger
}

func NewService(store core.DrawingStore, publisher broadcast.Publisher, log logrus.FieldLogger) *Service {
	if publisher == nil {
		publisher = broadcast.Discard
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{store: store, publisher: publisher, log: log}
}

// Create stores a new drawing owned by p. A blank title becomes the default
// title and an absent document becomes an empty one.
func (s *Service) Create(ctx context.Context, p *core.Principal, title string, document json.RawMessage) (*core.Drawing, error) {
	const op = "create drawing"
	if !p.Authenticated() {
		return nil, core.Unauthenticated(op)
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = core.DefaultTitle
	}
	if err := core.ValidateTitle(op, title); err != nil {
		return nil, err
	}

	doc, err := normalizeDocument(op, document, title, true)
	if err != nil {
		return nil, err
	}

	d := &core.Drawing{OwnerID: p.Subject, Title: title, Document: doc}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.publish(ctx, broadcast.EventDrawingCreated, channels.User(p.Subject), broadcast.DrawingNotice{
		ID: d.ID, Title: d.Title, UpdatedAt: d.UpdatedAt,
	})
	return d, nil
}

// Get returns the drawing if p owns it.
func (s *Service) Get(ctx context.Context, p *core.Principal, id string) (*core.Drawing, error) {
	return s.owned(ctx, "get drawing", p, id)
}

// List returns metadata for p's drawings.
func (s *Service) List(ctx context.Context, p *core.Principal) ([]*core.Drawing, error) {
	if !p.Authenticated() {
		return nil, core.Unauthenticated("list drawings")
	}
	drawings, err := s.store.List(ctx, p.Subject)
	if err != nil {
		return nil, fmt.Errorf("list drawings: %w", err)
	}
	if drawings == nil {
		drawings = []*core.Drawing{}
	}
	return drawings, nil
}

// Update applies patch to a drawing p owns and republishes the committed
// state on the drawing's channel. The last commit wins; there is no
// expected-version check.
func (s *Service) Update(ctx context.Context, p *core.Principal, id string, patch core.DrawingPatch) (*core.Drawing, error) {
	const op = "update drawing"
	if patch.Empty() {
		return nil, core.Validation(op, "nothing to update")
	}

	current, err := s.owned(ctx, op, p, id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if err := core.ValidateTitle(op, title); err != nil {
			return nil, err
		}
		patch.Title = &title
	}
	if len(patch.Document) > 0 {
		fallback := current.Title
		if patch.Title != nil {
			fallback = *patch.Title
		}
		doc, err := normalizeDocument(op, patch.Document, fallback, false)
		if err != nil {
			return nil, err
		}
		patch.Document = doc
	}

	updated, err := s.store.Update(ctx, id, patch)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log.WithFields(logrus.Fields{
		"drawing_id": id,
		"user_id":    p.Subject,
		"updated_at": updated.UpdatedAt,
	}).Info("Drawing updated")

	s.publish(ctx, broadcast.EventDocumentUpdated, channels.Drawing(id), broadcast.DocumentUpdate{
		ID:        updated.ID,
		Title:     updated.Title,
		Document:  updated.Document,
		UpdatedAt: updated.UpdatedAt,
	})
	return updated, nil
}

// Delete removes a drawing p owns.
func (s *Service) Delete(ctx context.Context, p *core.Principal, id string) error {
	const op = "delete drawing"
	current, err := s.owned(ctx, op, p, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	notice := broadcast.DrawingNotice{ID: id, Title: current.Title, UpdatedAt: core.Now()}
	s.publish(ctx, broadcast.EventDrawingDeleted, channels.User(p.Subject), notice)
	s.publish(ctx, broadcast.EventDrawingDeleted, channels.Drawing(id), notice)
	return nil
}

// OwnerOf implements channels.OwnerLookup.
func (s *Service) OwnerOf(ctx context.Context, id string) (string, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return d.OwnerID, nil
}

func (s *Service) owned(ctx context.Context, op string, p *core.Principal, id string) (*core.Drawing, error) {
	if !p.Authenticated() {
		return nil, core.Unauthenticated(op)
	}
	if strings.TrimSpace(id) == "" {
		return nil, core.Validation(op, "drawing id is required")
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.NotFound(op, "drawing not found")
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if d.OwnerID != p.Subject {
		s.log.WithFields(logrus.Fields{
			"drawing_id": id,
			"user_id":    p.Subject,
		}).Warn("Rejected access to a foreign drawing")
		return nil, core.Forbidden(op, "you do not own this drawing")
	}
	return d, nil
}

// publish never fails the caller: the write already committed. Peers must
// still hear about it when the writer has gone away, so the request's
// cancellation is dropped.
func (s *Service) publish(ctx context.Context, eventType, channel string, payload any) {
	log := s.log.WithFields(logrus.Fields{"channel": channel, "type": eventType})
	event, err := broadcast.NewEvent(eventType, channel, payload)
	if err != nil {
		log.WithError(err).Error("Failed to encode broadcast event")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.WithError(err).Error("Failed to publish broadcast event")
	}
}

// normalizeDocument requires a JSON object, except that Create accepts an
// absent document.
func normalizeDocument(op string, raw json.RawMessage, title string, allowAbsent bool) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if !allowAbsent {
			return nil, core.Validation(op, "document must be a JSON object")
		}
		trimmed = []byte("{}")
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, core.Validation(op, "document must be a JSON object")
	}
	snap, _ := snapshot.Normalize(trimmed, title)
	return snap.Bytes(), nil
}
