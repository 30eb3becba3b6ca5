// Package api exposes the identity table over HTTP for management tools.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/andresmejia3/lookout/internal/identity"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Store is the part of identity.Store the API serves.
type Store interface {
	List() []identity.Record
	Get(id string) (identity.Record, bool)
	Reference(id string) (identity.Reference, bool)
	Rename(id, name string) error
	Len() int
	Refresh() error
}

// IdentityResponse represents an identity in API responses.
type IdentityResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	LastSeen string `json:"last_seen,omitempty"`
	HasImage bool   `json:"has_image"`
}

type renameRequest struct {
	Name string `json:"name"`
}

// Handler serves the identity endpoints.
type Handler struct {
	store Store
	log   logrus.FieldLogger
}

// NewRouter wires every route onto a chi router.
func NewRouter(store Store, log logrus.FieldLogger) http.Handler {
	h := &Handler{store: store, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.Health)
	r.Route("/api/v1/identities", func(r chi.Router) {
		r.Use(h.refresh)
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Put("/{id}/name", h.Rename)
		r.Get("/{id}/image", h.Image)
	})
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	})
}

// refresh picks up identities other processes stored since the last request.
func (h *Handler) refresh(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.store.Refresh(); err != nil {
			h.log.WithError(err).Warn("Serving identities from the last loaded table")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) toResponse(rec identity.Record) IdentityResponse {
	resp := IdentityResponse{ID: rec.ID, Name: rec.DisplayName}
	if !rec.LastSeen.IsZero() {
		resp.LastSeen = rec.LastSeen.Format(identity.TimeLayout)
	}
	_, resp.HasImage = h.store.Reference(rec.ID)
	return resp
}

// Health reports liveness and the number of known identities.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "identities": h.store.Len()})
}

// List returns all identities in creation order.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	recs := h.store.List()
	out := make([]IdentityResponse, len(recs))
	for i, rec := range recs {
		out[i] = h.toResponse(rec)
	}
	respondJSON(w, http.StatusOK, out)
}

// Get returns one identity.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.store.Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	respondJSON(w, http.StatusOK, h.toResponse(rec))
}

// Rename changes the display name and returns the updated identity.
func (h *Handler) Rename(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.store.Rename(id, req.Name)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		respondError(w, http.StatusNotFound, "identity not found")
		return
	case errors.Is(err, identity.ErrEmptyName):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.WithError(err).WithField("identity", id).Error("Rename failed")
		respondError(w, http.StatusInternalServerError, "failed to rename identity")
		return
	}

	rec, _ := h.store.Get(id)
	h.log.WithFields(logrus.Fields{"identity": id, "name": rec.DisplayName}).Info("Identity renamed")
	respondJSON(w, http.StatusOK, h.toResponse(rec))
}

// Image serves the stored reference image.
func (h *Handler) Image(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.store.Reference(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "reference image not found")
		return
	}
	http.ServeFile(w, r, ref.Path)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
