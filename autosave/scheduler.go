// Package autosave debounces editor changes into single-flight saves.
package autosave

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"drawsync/core"
	"drawsync/snapshot"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultQuietPeriod = time.Second
	DefaultSaveTimeout = 30 * time.Second
)

type (
	// Persister writes a drawing. gateway.Client satisfies it.
	Persister interface {
		Persist(ctx context.Context, drawingID string, patch core.DrawingPatch) (*core.Drawing, error)
	}

	// Intent is a normalized snapshot waiting for its debounce timer.
	Intent struct {
		DrawingID   string
		Snapshot    snapshot.Snapshot
		Fingerprint string
		Actor       string
		QueuedAt    time.Time

		seq uint64
	}

	Options struct {
		QuietPeriod time.Duration
		SaveTimeout time.Duration
		Clock       Clock
		// Actor identifies this editor instance in logs and intents.
		Actor  string
		Logger logrus.FieldLogger
		// OnStatus receives every indicator change. It runs outside the
		// scheduler lock and may call back into the scheduler.
		OnStatus func(Status)
		// OnPersisted receives the canonical drawing after each successful
		// save of the current drawing.
		OnPersisted func(*core.Drawing)
	}

	// Scheduler owns the save pipeline for one active drawing at a time.
	Scheduler struct {
		persister Persister
		opts      Options
		flight    *semaphore.Weighted

		mu            sync.Mutex
		drawingID     string
		title         string
		pending       *Intent
		timer         Timer
		timerSeq      uint64
		generation    uint64
		lastQueued    string
		lastPersisted string
		suppressed    int
		closed        bool

		// intentSeq numbers queued intents. dispatched is the newest one
		// handed to persist; an older failure must not come back after it.
		intentSeq  uint64
		dispatched uint64
		inflight   string
	}
)

func NewScheduler(persister Persister, opts Options) *Scheduler {
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = DefaultQuietPeriod
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = DefaultSaveTimeout
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Actor == "" {
		opts.Actor = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Scheduler{
		persister: persister,
		opts:      opts,
		flight:    semaphore.NewWeighted(1),
	}
}

// Bind makes drawingID the active context. Anything pending for the
// previous drawing is discarded and in-flight results for it are ignored,
// so callers flush first.
func (s *Scheduler) Bind(drawingID, title string) {
	s.mu.Lock()
	s.stopTimerLocked()
	s.generation++
	s.drawingID = drawingID
	s.title = title
	s.pending = nil
	s.lastQueued = ""
	s.lastPersisted = ""
	s.inflight = ""
	s.mu.Unlock()
	s.emit(Status{State: StateIdle, DrawingID: drawingID})
}

// Rebind flushes the current drawing and then binds the next one. The flush
// error is returned after the switch has happened.
func (s *Scheduler) Rebind(ctx context.Context, drawingID, title string) error {
	err := s.Flush(ctx)
	s.Bind(drawingID, title)
	return err
}

// SetTitle updates the name used when a queued snapshot has none.
func (s *Scheduler) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
}

// Queue records raw as the next snapshot to save and restarts the quiet
// period. Identical consecutive snapshots do not touch the timer.
func (s *Scheduler) Queue(raw json.RawMessage) {
	s.mu.Lock()
	if s.closed || s.suppressed > 0 || s.drawingID == "" {
		s.mu.Unlock()
		return
	}

	snap, ok := snapshot.Normalize(raw, s.title)
	if !ok {
		s.mu.Unlock()
		return
	}
	fp := snap.Fingerprint()
	if fp == s.lastQueued {
		s.mu.Unlock()
		return
	}

	s.intentSeq++
	s.pending = &Intent{
		DrawingID:   s.drawingID,
		Snapshot:    snap,
		Fingerprint: fp,
		Actor:       s.opts.Actor,
		QueuedAt:    s.opts.Clock.Now(),
		seq:         s.intentSeq,
	}
	s.lastQueued = fp
	s.stopTimerLocked()
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.opts.Clock.AfterFunc(s.opts.QuietPeriod, func() { s.fire(seq) })
	drawingID := s.drawingID
	s.mu.Unlock()

	s.emit(Status{State: StatePending, DrawingID: drawingID})
}

// Flush cancels the debounce timer and saves whatever is pending right
// away. It is a no-op when nothing is pending.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.pending == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopTimerLocked()
	intent := s.takePendingLocked()
	gen := s.generation
	s.mu.Unlock()

	return s.persist(ctx, intent, gen)
}

// Suppress stops queuing and abandons timers that fire until the matching
// Release. Calls nest.
func (s *Scheduler) Suppress() {
	s.mu.Lock()
	s.suppressed++
	s.mu.Unlock()
}

func (s *Scheduler) Release() {
	s.mu.Lock()
	if s.suppressed > 0 {
		s.suppressed--
	}
	s.mu.Unlock()
}

func (s *Scheduler) Suppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed > 0
}

// Close tears the scheduler down. Pending work is dropped and the outcome
// of an in-flight save is ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.stopTimerLocked()
	s.closed = true
	s.generation++
	s.pending = nil
	s.inflight = ""
	s.mu.Unlock()
}

// Pending returns a copy of the intent awaiting its timer, if any.
func (s *Scheduler) Pending() (Intent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Intent{}, false
	}
	return *s.pending, true
}

// LastPersisted is the fingerprint of the last successful save.
func (s *Scheduler) LastPersisted() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPersisted
}

// InFlight is the fingerprint of the save currently waiting on the
// persister, or empty. Its broadcast may arrive before the response does.
func (s *Scheduler) InFlight() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *Scheduler) takePendingLocked() *Intent {
	intent := s.pending
	s.pending = nil
	if intent.seq > s.dispatched {
		s.dispatched = intent.seq
	}
	return intent
}

func (s *Scheduler) fire(seq uint64) {
	s.mu.Lock()
	if seq != s.timerSeq || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.closed || s.pending == nil {
		s.mu.Unlock()
		return
	}
	if s.suppressed > 0 {
		s.opts.Logger.WithField("drawing_id", s.drawingID).Debug("Autosave abandoned while suppressed")
		s.pending = nil
		s.lastQueued = ""
		s.mu.Unlock()
		return
	}
	intent := s.takePendingLocked()
	gen := s.generation
	s.mu.Unlock()

	_ = s.persist(context.Background(), intent, gen)
}

func (s *Scheduler) persist(ctx context.Context, intent *Intent, gen uint64) error {
	log := s.opts.Logger.WithFields(logrus.Fields{
		"drawing_id":  intent.DrawingID,
		"actor":       intent.Actor,
		"fingerprint": intent.Fingerprint,
	})

	if err := s.flight.Acquire(ctx, 1); err != nil {
		s.restore(intent, gen)
		return err
	}
	defer s.flight.Release(1)

	s.emit(Status{State: StateSaving, DrawingID: intent.DrawingID})

	s.mu.Lock()
	if gen == s.generation {
		s.inflight = intent.Fingerprint
	}
	s.mu.Unlock()
	// Cleared only after OnPersisted has run, so an early echo always
	// meets one of the two guards.
	defer s.clearInflight(intent.Fingerprint)

	saveCtx, cancel := context.WithTimeout(ctx, s.opts.SaveTimeout)
	drawing, err := s.persister.Persist(saveCtx, intent.DrawingID, core.DrawingPatch{Document: intent.Snapshot.Bytes()})
	cancel()

	if err != nil {
		log.WithError(err).Warn("Autosave failed")
		if s.restore(intent, gen) {
			s.emit(Status{State: StateError, DrawingID: intent.DrawingID, Err: err})
		}
		return err
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		log.Debug("Ignoring save result for a closed or rebound drawing")
		return nil
	}
	s.lastPersisted = intent.Fingerprint
	if s.pending != nil && s.pending.seq < intent.seq {
		s.pending = nil
	}
	s.mu.Unlock()

	log.WithField("updated_at", drawing.UpdatedAt).Debug("Autosave persisted")
	if s.opts.OnPersisted != nil {
		s.opts.OnPersisted(drawing)
	}
	s.emit(Status{State: StateSaved, DrawingID: intent.DrawingID, SavedAt: drawing.UpdatedAt})
	return nil
}

// restore puts a failed intent back unless something newer superseded it,
// either still queued or already handed to persist, or the drawing context
// moved on. Requeuing the same content starts a new cycle. It reports
// whether the context is current.
func (s *Scheduler) restore(intent *Intent, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	if s.pending == nil && intent.seq >= s.dispatched {
		s.pending = intent
		s.lastQueued = ""
	}
	return true
}

func (s *Scheduler) clearInflight(fingerprint string) {
	s.mu.Lock()
	if s.inflight == fingerprint {
		s.inflight = ""
	}
	s.mu.Unlock()
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) emit(status Status) {
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(status)
	}
}
