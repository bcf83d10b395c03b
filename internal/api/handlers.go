// Package api is the admin and observability surface: pool and session
// introspection, session control, user token management.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/pool"
	"github.com/vmmaster/vmmaster/internal/session"
	"github.com/vmmaster/vmmaster/internal/store"
)

// Handler handles /api requests.
type Handler struct {
	Pool     *pool.Pool
	Sessions *session.Manager
	Store    *store.Store
}

// RegisterRoutes registers the admin routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.Status)
	mux.HandleFunc("GET /api/platforms", h.Platforms)
	mux.HandleFunc("GET /api/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/queue", h.Queue)
	mux.HandleFunc("GET /api/pool", h.PoolInfo)

	mux.HandleFunc("GET /api/session/{id}", h.Session)
	mux.HandleFunc("POST /api/session/{id}/stop", h.StopSession)

	mux.HandleFunc("GET /api/user/{id}", h.User)
	mux.HandleFunc("POST /api/user/{id}/regenerate_token", h.RegenerateToken)
}

// render wraps every admin reply in the {"metacode": ..., "result": ...}
// envelope.
func render(w http.ResponseWriter, code int, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"metacode": code,
		"result":   result,
	})
}

func renderError(w http.ResponseWriter, code int, message string) {
	render(w, code, map[string]string{"error": message})
}

func (h *Handler) sessionViews() []domain.SessionRecord {
	live := h.Sessions.Active()
	out := make([]domain.SessionRecord, 0, len(live))
	for _, s := range live {
		out = append(out, s.Record())
	}
	return out
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	render(w, http.StatusOK, map[string]any{
		"platforms": h.Pool.Platforms(),
		"sessions":  h.sessionViews(),
		"queue":     h.Sessions.Queue(),
		"pool":      h.Pool.Info(),
	})
}

// Platforms handles GET /api/platforms.
func (h *Handler) Platforms(w http.ResponseWriter, r *http.Request) {
	render(w, http.StatusOK, map[string]any{"platforms": h.Pool.Platforms()})
}

// ListSessions handles GET /api/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	render(w, http.StatusOK, map[string]any{"sessions": h.sessionViews()})
}

// Queue handles GET /api/queue.
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	render(w, http.StatusOK, map[string]any{"queue": h.Sessions.Queue()})
}

// PoolInfo handles GET /api/pool.
func (h *Handler) PoolInfo(w http.ResponseWriter, r *http.Request) {
	render(w, http.StatusOK, h.Pool.Info())
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// Session handles GET /api/session/{id}. Live sessions come from
// memory, finished ones from the store.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		renderError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if s, ok := h.Sessions.Get(id); ok {
		render(w, http.StatusOK, s.Record())
		return
	}

	rec, err := h.Store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, http.StatusNotFound, "session not found")
			return
		}
		logging.Op().Error("load session", "id", id, "error", err)
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}
	render(w, http.StatusOK, rec)
}

// StopSession handles POST /api/session/{id}/stop.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		renderError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	s, ok := h.Sessions.Get(id)
	if !ok {
		renderError(w, http.StatusNotFound, "session not found")
		return
	}
	h.Sessions.Close(r.Context(), s, domain.StatusFailed, "stopped via api")
	render(w, http.StatusOK, "Session stopped")
}

// User handles GET /api/user/{id}.
func (h *Handler) User(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		renderError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	user, err := h.Store.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, http.StatusNotFound, "user not found")
			return
		}
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}
	render(w, http.StatusOK, user.Info())
}

// RegenerateToken handles POST /api/user/{id}/regenerate_token.
func (h *Handler) RegenerateToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		renderError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	token, err := h.Store.RegenerateToken(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, http.StatusNotFound, "user not found")
			return
		}
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}
	render(w, http.StatusOK, map[string]string{"token": token})
}
