package drawings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"drawsync/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// MaxBodyBytes caps request bodies. Documents carry inline assets.
const MaxBodyBytes = 5000000

// Service is the drawing API the handlers drive.
type Service interface {
	Create(ctx context.Context, p *core.Principal, title string, document json.RawMessage) (*core.Drawing, error)
	Get(ctx context.Context, p *core.Principal, id string) (*core.Drawing, error)
	List(ctx context.Context, p *core.Principal) ([]*core.Drawing, error)
	Update(ctx context.Context, p *core.Principal, id string, patch core.DrawingPatch) (*core.Drawing, error)
	Delete(ctx context.Context, p *core.Principal, id string) error
}

// Routes registers the drawing endpoints on r. Callers install the JWT
// middleware first.
func Routes(svc Service) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", HandleList(svc))
		r.Post("/", HandleCreate(svc))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", HandleGet(svc))
			r.Patch("/", HandleUpdate(svc, false))
			r.Put("/", HandleUpdate(svc, true))
			r.Delete("/", HandleDelete(svc))
		})
	}
}

func HandleList(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := core.PrincipalFrom(r.Context())
		list, err := svc.List(r.Context(), p)
		if err != nil {
			renderError(w, r, err, logrus.Fields{"user_id": subject(p)})
			return
		}
		render.JSON(w, r, list)
	}
}

func HandleCreate(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := core.PrincipalFrom(r.Context())

		var body struct {
			Title    string          `json:"title"`
			Document json.RawMessage `json:"document"`
		}
		if !decode(w, r, &body) {
			return
		}

		d, err := svc.Create(r.Context(), p, body.Title, body.Document)
		if err != nil {
			renderError(w, r, err, logrus.Fields{"user_id": subject(p)})
			return
		}
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, d)
	}
}

func HandleGet(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := core.PrincipalFrom(r.Context())
		id := chi.URLParam(r, "id")

		d, err := svc.Get(r.Context(), p, id)
		if err != nil {
			renderError(w, r, err, logrus.Fields{"user_id": subject(p), "drawing_id": id})
			return
		}
		render.JSON(w, r, d)
	}
}

// HandleUpdate serves PATCH and PUT. PUT must carry a document; PATCH may
// send any subset of title, document and thumbnail.
func HandleUpdate(svc Service, replace bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := core.PrincipalFrom(r.Context())
		id := chi.URLParam(r, "id")

		var patch core.DrawingPatch
		if !decode(w, r, &patch) {
			return
		}
		if replace && len(patch.Document) == 0 {
			renderError(w, r, core.Validation("update drawing", "document is required"), nil)
			return
		}

		d, err := svc.Update(r.Context(), p, id, patch)
		if err != nil {
			renderError(w, r, err, logrus.Fields{"user_id": subject(p), "drawing_id": id})
			return
		}
		render.JSON(w, r, d)
	}
}

func HandleDelete(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := core.PrincipalFrom(r.Context())
		id := chi.URLParam(r, "id")

		if err := svc.Delete(r.Context(), p, id); err != nil {
			renderError(w, r, err, logrus.Fields{"user_id": subject(p), "drawing_id": id})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "Request body too large", "validation")
			return false
		}
		writeError(w, r, http.StatusBadRequest, "Invalid JSON body", "validation")
		return false
	}
	return true
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func renderError(w http.ResponseWriter, r *http.Request, err error, fields logrus.Fields) {
	status := StatusFor(err)
	msg := err.Error()
	var ce *core.Error
	if errors.As(err, &ce) && ce.Message != "" {
		msg = ce.Message
	}

	if status == http.StatusInternalServerError {
		logrus.WithFields(fields).WithError(err).Error("Drawing request failed")
		msg = "Internal server error"
	} else {
		logrus.WithFields(fields).WithError(err).Debug("Drawing request rejected")
	}
	writeError(w, r, status, msg, core.Code(err))
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg, code string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": msg, "code": code})
}

func subject(p *core.Principal) string {
	if p == nil {
		return ""
	}
	return p.Subject
}
