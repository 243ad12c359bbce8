// Package live keeps an open drawing in step with the server: it applies
// other editors' saves and ignores the echoes of its own.
package live

import (
	"encoding/json"
	"sync"
	"time"

	"drawsync/broadcast"
	"drawsync/core"
	"drawsync/snapshot"

	"github.com/sirupsen/logrus"
)

// Outcome is what Handle did with an event.
type Outcome int

const (
	// Ignored events were for another drawing or of another type.
	Ignored Outcome = iota
	// SelfEcho events were no newer than this editor's last save, or
	// carried the save still awaiting its response.
	SelfEcho
	// Stale events were no newer than the loaded content.
	Stale
	// Retitled events carried the loaded document; only metadata changed.
	Retitled
	// Reloaded events replaced the editor content.
	Reloaded
)

func (o Outcome) String() string {
	switch o {
	case SelfEcho:
		return "self-echo"
	case Stale:
		return "stale"
	case Retitled:
		return "retitled"
	case Reloaded:
		return "reloaded"
	default:
		return "ignored"
	}
}

type (
	// Editor is the drawing surface. Load replaces its content; changes it
	// makes while loading must not be saved.
	Editor interface {
		Load(document json.RawMessage, title string)
	}

	// Saves is the part of the save pipeline the reconciler drives.
	// autosave.Scheduler satisfies it.
	Saves interface {
		Suppress()
		Release()
		SetTitle(title string)
		// InFlight is the fingerprint of the save awaiting its response.
		InFlight() string
	}

	// Reconciler applies document.updated events to the active drawing.
	Reconciler struct {
		editor Editor
		saves  Saves
		log    logrus.FieldLogger

		mu        sync.Mutex
		drawingID string
		title     string
		document  snapshot.Snapshot
		updatedAt time.Time
		lastSelf  time.Time
	}
)

func NewReconciler(editor Editor, saves Saves, log logrus.FieldLogger) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reconciler{editor: editor, saves: saves, log: log}
}

// Reset makes d the active drawing as loaded from the server.
func (r *Reconciler) Reset(d *core.Drawing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drawingID = d.ID
	r.title = d.Title
	r.document, _ = snapshot.Normalize(d.Document, d.Title)
	r.updatedAt = d.UpdatedAt
	r.lastSelf = time.Time{}
}

// Clear forgets the active drawing.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drawingID = ""
	r.document = nil
	r.updatedAt, r.lastSelf = time.Time{}, time.Time{}
}

// RecordSelfPersist notes a save made by this editor. Its broadcast, and
// anything older, will be discarded.
func (r *Reconciler) RecordSelfPersist(d *core.Drawing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d == nil || d.ID != r.drawingID {
		return
	}
	if d.UpdatedAt.After(r.lastSelf) {
		r.lastSelf = d.UpdatedAt
	}
	if d.UpdatedAt.After(r.updatedAt) {
		r.updatedAt = d.UpdatedAt
		r.title = d.Title
		if snap, ok := snapshot.Normalize(d.Document, d.Title); ok {
			r.document = snap
		}
	}
}

// LastSelf is the timestamp of the newest save this editor made.
func (r *Reconciler) LastSelf() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSelf
}

// Title is the title of the loaded drawing.
func (r *Reconciler) Title() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.title
}

// Handle reconciles one broadcast event. Reloads happen with saves
// suppressed so the loaded content is not written straight back.
//
// The echo of a save can beat its HTTP response. Until RecordSelfPersist
// runs, an event carrying exactly the in-flight snapshot is that echo; the
// response then records it.
func (r *Reconciler) Handle(e broadcast.Event) Outcome {
	if e.Type != broadcast.EventDocumentUpdated {
		return Ignored
	}
	var update broadcast.DocumentUpdate
	if err := e.Decode(&update); err != nil {
		r.log.WithError(err).Warn("Dropping malformed document update")
		return Ignored
	}

	// Read before locking: the scheduler clears it only after
	// RecordSelfPersist has taken over.
	inflight := r.saves.InFlight()

	r.mu.Lock()
	log := r.log.WithFields(logrus.Fields{"drawing_id": update.ID, "updated_at": update.UpdatedAt})
	switch {
	case update.ID == "" || update.ID != r.drawingID:
		r.mu.Unlock()
		return Ignored
	case !update.UpdatedAt.After(r.lastSelf):
		r.mu.Unlock()
		log.Debug("Discarding echo of our own save")
		return SelfEcho
	case !update.UpdatedAt.After(r.updatedAt):
		r.mu.Unlock()
		log.Debug("Discarding stale update")
		return Stale
	}

	incoming, ok := snapshot.Normalize(update.Document, update.Title)
	if ok && inflight != "" && incoming.Fingerprint() == inflight {
		r.mu.Unlock()
		log.Debug("Discarding echo of a save awaiting its response")
		return SelfEcho
	}
	r.updatedAt = update.UpdatedAt
	r.title = update.Title
	if !ok || snapshot.Equal(incoming, r.document) {
		r.mu.Unlock()
		r.saves.SetTitle(update.Title)
		return Retitled
	}
	r.document = incoming
	r.mu.Unlock()

	r.saves.Suppress()
	defer r.saves.Release()
	r.saves.SetTitle(update.Title)
	r.editor.Load(incoming.Bytes(), update.Title)
	log.Info("Reloaded drawing from a remote save")
	return Reloaded
}
