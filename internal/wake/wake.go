// Package wake delivers wake-word triggers to the conversation.
//
// Wake-word spotting itself runs outside this process. [HTTPTrigger] is the
// bridge: the native detector posts to POST /wake every time it hears the wake
// word and reports its model state through POST /wake/status; the
// conversation reads [Detector.Triggers].
package wake

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/tressa/internal/observe"
)

// Status reports the readiness of the wake-word engine.
type Status struct {
	// Loaded is true once the wake-word model is loaded.
	Loaded bool `json:"loaded"`

	// Listening is true while the engine is consuming microphone audio.
	Listening bool `json:"listening"`
}

// Detector is a source of wake triggers.
type Detector interface {
	// Triggers delivers one value per detected wake word. The channel is
	// never closed.
	Triggers() <-chan struct{}

	// Status returns the engine state.
	Status() Status
}

// Option configures an [HTTPTrigger].
type Option func(*HTTPTrigger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTPTrigger) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *HTTPTrigger) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithDebounce drops triggers that arrive within d of the previous accepted
// one. Zero disables debouncing.
func WithDebounce(d time.Duration) Option {
	return func(h *HTTPTrigger) {
		h.debounce = d
	}
}

// WithInitialStatus sets the status reported before the engine posts one.
func WithInitialStatus(s Status) Option {
	return func(h *HTTPTrigger) {
		h.status = s
	}
}

// HTTPTrigger is a [Detector] fed over HTTP. Safe for concurrent use.
type HTTPTrigger struct {
	triggers chan struct{}
	log      *slog.Logger
	metrics  *observe.Metrics
	debounce time.Duration
	now      func() time.Time

	mu     sync.Mutex
	status Status
	last   time.Time
}

var _ Detector = (*HTTPTrigger)(nil)

// NewHTTPTrigger creates an HTTPTrigger. A trigger that arrives while the
// previous one has not been consumed yet is coalesced into it.
func NewHTTPTrigger(opts ...Option) *HTTPTrigger {
	h := &HTTPTrigger{
		triggers: make(chan struct{}, 1),
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Triggers implements [Detector].
func (h *HTTPTrigger) Triggers() <-chan struct{} { return h.triggers }

// Status implements [Detector].
func (h *HTTPTrigger) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// SetStatus replaces the engine status.
func (h *HTTPTrigger) SetStatus(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s != h.status {
		h.log.Info("wake: engine status changed", "loaded", s.Loaded, "listening", s.Listening)
	}
	h.status = s
}

// Fire records one wake-word detection. It reports whether the trigger was
// accepted (not debounced or coalesced).
func (h *HTTPTrigger) Fire() bool {
	h.mu.Lock()
	now := h.now()
	if h.debounce > 0 && !h.last.IsZero() && now.Sub(h.last) < h.debounce {
		h.mu.Unlock()
		h.metrics.RecordWake(context.Background(), "debounced")
		return false
	}
	h.last = now
	h.mu.Unlock()

	select {
	case h.triggers <- struct{}{}:
		h.metrics.RecordWake(context.Background(), "accepted")
		return true
	default:
		h.metrics.RecordWake(context.Background(), "coalesced")
		return false
	}
}

// Register adds the wake routes to mux.
func (h *HTTPTrigger) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /wake", h.handleWake)
	mux.HandleFunc("GET /wake/status", h.handleGetStatus)
	mux.HandleFunc("POST /wake/status", h.handleSetStatus)
}

func (h *HTTPTrigger) handleWake(w http.ResponseWriter, _ *http.Request) {
	accepted := h.Fire()
	h.log.Debug("wake: trigger received", "accepted", accepted)
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": accepted})
}

func (h *HTTPTrigger) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Status())
}

func (h *HTTPTrigger) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var s Status
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		http.Error(w, "invalid status body", http.StatusBadRequest)
		return
	}
	h.SetStatus(s)
	writeJSON(w, http.StatusOK, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
