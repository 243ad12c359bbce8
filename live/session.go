package live

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"drawsync/autosave"
	"drawsync/broadcast"
	"drawsync/channels"
	"drawsync/core"

	"github.com/sirupsen/logrus"
)

var (
	ErrSessionOpen   = errors.New("session already has an open drawing")
	ErrSessionClosed = errors.New("session is closed")
	ErrNoDrawing     = errors.New("session has no open drawing")
)

// Transport is the realtime connection a session listens on.
// transport.Conn satisfies it.
type Transport interface {
	Connected() bool
	Subscribe(ctx context.Context, channel string, handler func(broadcast.Event)) error
	Unsubscribe(channel string) error
}

// Session is the editing surface's hold on one drawing at a time: Open
// acquires it, Switch moves it and Close releases it. Saving, listening
// and reconciling are wired together here.
type Session struct {
	scheduler  *autosave.Scheduler
	reconciler *Reconciler
	transport  Transport
	editor     Editor
	log        logrus.FieldLogger

	mu      sync.Mutex
	current *core.Drawing
	closed  bool
}

// NewSession builds a session. transport may be nil for offline editing.
// opts.OnPersisted still runs after the session records the save.
func NewSession(persister autosave.Persister, transport Transport, editor Editor, opts autosave.Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Session{transport: transport, editor: editor, log: opts.Logger}

	onPersisted := opts.OnPersisted
	opts.OnPersisted = func(d *core.Drawing) {
		s.reconciler.RecordSelfPersist(d)
		if onPersisted != nil {
			onPersisted(d)
		}
	}
	s.scheduler = autosave.NewScheduler(persister, opts)
	s.reconciler = NewReconciler(editor, s.scheduler, opts.Logger)
	return s
}

func (s *Session) Scheduler() *autosave.Scheduler { return s.scheduler }

func (s *Session) Reconciler() *Reconciler { return s.reconciler }

// Current returns the open drawing as it was loaded, or nil.
func (s *Session) Current() *core.Drawing {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.Clone()
}

// Changed hands an editor change to the save pipeline.
func (s *Session) Changed(document json.RawMessage) {
	s.scheduler.Queue(document)
}

// Open loads d into the editor and starts saving and listening for it.
// A failed subscription leaves the drawing open for offline editing and is
// logged, not returned.
func (s *Session) Open(ctx context.Context, d *core.Drawing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrSessionClosed
	case s.current != nil:
		return ErrSessionOpen
	}

	s.scheduler.Bind(d.ID, d.Title)
	s.attachLocked(ctx, d)
	return nil
}

// Switch saves what is pending for the open drawing, then moves to d. The
// flush error is returned after the switch.
func (s *Session) Switch(ctx context.Context, d *core.Drawing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrSessionClosed
	case s.current == nil:
		return ErrNoDrawing
	}

	err := s.scheduler.Rebind(ctx, d.ID, d.Title)
	s.detachLocked()
	s.attachLocked(ctx, d)
	return err
}

// Close saves what is pending, stops listening and tears the pipeline
// down. The session cannot be reopened.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.scheduler.Flush(ctx)
	if s.current != nil {
		s.detachLocked()
	}
	s.scheduler.Close()
	return err
}

// Reattach moves the session onto t after a reconnect or a replaced
// connection and subscribes the open drawing on it. Passing the same
// transport again resubscribes. Content saved by others while the session
// was not listening arrives with their next save.
func (s *Session) Reattach(ctx context.Context, t Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	if s.current != nil && s.transport != nil && s.transport != t && s.transport.Connected() {
		channel := channels.Drawing(s.current.ID)
		if err := s.transport.Unsubscribe(channel); err != nil {
			s.log.WithFields(logrus.Fields{"channel": channel, "error": err}).Debug("Unsubscribe failed")
		}
	}
	s.transport = t
	if s.current != nil {
		s.subscribeLocked(ctx, s.current.ID)
	}
	return nil
}

func (s *Session) attachLocked(ctx context.Context, d *core.Drawing) {
	s.current = d.Clone()
	s.reconciler.Reset(d)

	s.scheduler.Suppress()
	s.editor.Load(d.Document, d.Title)
	s.scheduler.Release()

	s.subscribeLocked(ctx, d.ID)
}

func (s *Session) subscribeLocked(ctx context.Context, drawingID string) {
	if s.transport == nil || !s.transport.Connected() {
		return
	}
	channel := channels.Drawing(drawingID)
	if err := s.transport.Subscribe(ctx, channel, func(e broadcast.Event) {
		s.reconciler.Handle(e)
	}); err != nil {
		s.log.WithFields(logrus.Fields{"channel": channel, "error": err}).Warn("Live updates unavailable")
	}
}

// detachLocked unsubscribes whether or not the subscription succeeded.
func (s *Session) detachLocked() {
	channel := channels.Drawing(s.current.ID)
	if s.transport != nil {
		if err := s.transport.Unsubscribe(channel); err != nil {
			s.log.WithFields(logrus.Fields{"channel": channel, "error": err}).Debug("Unsubscribe failed")
		}
	}
	s.reconciler.Clear()
	s.current = nil
}
