package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fieldsync/internal/store"
	"fieldsync/internal/sync"
)

// Handler exposes the engine to the UI layer over HTTP.
type Handler struct {
	engine *sync.Engine
	store  store.Store
}

func NewHandler(engine *sync.Engine, st store.Store) *Handler {
	return &Handler{
		engine: engine,
		store:  st,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sync/trigger", h.TriggerSync)
		r.Post("/sync/stop", h.StopSync)
		r.Get("/sync/status", h.GetSyncStatus)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

		r.Get("/entities/{type}", h.ListEntities)
		r.Get("/entities/{type}/{id}", h.GetEntity)
		r.Put("/entities/{type}/{id}", h.SaveEntity)
		r.Delete("/entities/{type}/{id}", h.DeleteEntity)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	started := h.engine.Trigger(sync.TriggerManual)
	writeJSON(w, map[string]any{"started": started, "status": h.engine.Status()})
}

func (h *Handler) StopSync(w http.ResponseWriter, r *http.Request) {
	h.engine.Stop()
	writeJSON(w, map[string]string{"status": h.engine.Status()})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":     h.engine.Status(),
		"lastResult": h.engine.LastResult(),
	})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	resolved := r.URL.Query().Get("resolved") == "true"

	conflicts, err := h.store.ListConflicts(r.Context(), resolved)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, conflicts)
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := h.engine.Resolver().Resolve(r.Context(), id, sync.Strategy(req.Strategy))
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "conflict not found", http.StatusNotFound)
	case errors.Is(err, sync.ErrAlreadyResolved):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		writeJSON(w, map[string]string{"status": "resolved", "strategy": req.Strategy})
	}
}

func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "type")

	records, err := h.store.ListEntities(r.Context(), entityType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "type")
	id := chi.URLParam(r, "id")

	rec, err := h.store.GetEntity(r.Context(), entityType, id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "entity not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

func (h *Handler) SaveEntity(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "type")
	id := chi.URLParam(r, "id")

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	priority := store.PriorityNormal
	switch r.URL.Query().Get("priority") {
	case "critical":
		priority = store.PriorityCritical
	case "high":
		priority = store.PriorityHigh
	case "low":
		priority = store.PriorityLow
	}

	method := store.MethodUpdate
	if _, err := h.store.GetEntity(r.Context(), entityType, id); errors.Is(err, store.ErrNotFound) {
		method = store.MethodCreate
	}

	itemID, err := h.engine.SaveEntity(r.Context(), method, entityType, id, payload, priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"queued": itemID})
}

func (h *Handler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "type")
	id := chi.URLParam(r, "id")

	itemID, err := h.engine.SaveEntity(r.Context(), store.MethodDelete, entityType, id, nil, store.PriorityNormal)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"queued": itemID})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
