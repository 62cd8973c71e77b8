package warning

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the warning service over HTTP.
type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the warning endpoints under /warnings.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/warnings", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/unacknowledged", h.listUnacknowledged)
		r.Get("/severity/{severity}", h.listBySeverity)
		r.Post("/{id}/acknowledge", h.acknowledge)
		r.Delete("/", h.clearAll)
		r.Delete("/old", h.clearOld)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.All())
}

func (h *Handler) listUnacknowledged(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Unacknowledged())
}

func (h *Handler) listBySeverity(w http.ResponseWriter, r *http.Request) {
	severity := chi.URLParam(r, "severity")
	writeJSON(w, http.StatusOK, h.service.BySeverity(severity))
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.service.Acknowledge(id) {
		w.WriteHeader(http.StatusNoContent)
	} else {
		http.Error(w, "warning not found", http.StatusNotFound)
	}
}

func (h *Handler) clearAll(w http.ResponseWriter, r *http.Request) {
	h.service.ClearAll()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearOld(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}
	h.service.ClearOlderThan(time.Duration(hours) * time.Hour)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
