// Package httpapi serves a read-only view of a running restore.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/ryabkov82/rdbrestore/internal/unit"
	"github.com/ryabkov82/rdbrestore/internal/version"
)

// Handler handles HTTP requests
type Handler struct {
	store  *unit.Store
	logger *slog.Logger
}

// NewHandler creates a new handler
func NewHandler(store *unit.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:  store,
		logger: logger.With("component", "httpapi"),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", "error", err)
	}
}

// GetVersion handles GET /version
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, version.Info())
}

// ListUnits handles GET /units
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	units := h.store.List()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := units[:0]
		for _, u := range units {
			if string(u.Status) == status {
				filtered = append(filtered, u)
			}
		}
		units = filtered
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"summary": h.store.Summary(),
		"units":   units,
	})
}

// GetUnit handles GET /units/{unitId}
func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/units/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "unitId is required", http.StatusBadRequest)
		return
	}

	u, err := h.store.Get(id)
	if errors.Is(err, unit.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, u)
}
