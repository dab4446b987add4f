package history

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// maxLimit caps the limit query parameter.
const maxLimit = 500

// Handler serves GET /history.
type Handler struct {
	store Store
	log   *slog.Logger
}

// NewHandler returns a Handler reading from store.
func NewHandler(store Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: store, log: log}
}

// Register adds the /history route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /history", h.ServeHTTP)
}

// ServeHTTP returns the most recent turns as a JSON array, newest first. The
// optional limit query parameter must be a positive integer.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxLimit)
	}

	turns, err := h.store.Recent(r.Context(), limit)
	if err != nil {
		h.log.Error("history: list turns", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(turns); err != nil {
		h.log.Warn("history: encode response", "err", err)
	}
}
