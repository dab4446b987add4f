// Package health serves the engine's liveness and readiness endpoints.
//
// /healthz answers 200 while the process can serve HTTP. /readyz evaluates
// every registered [Checker] concurrently and reports one of three states:
//
//   - "ok": every check passed.
//   - "degraded": only optional checks failed. The engine can still hold a
//     conversation (e.g. history writes are being shed), so the endpoint
//     answers 200.
//   - "fail": a required check failed, e.g. the speech service is
//     unreachable. The endpoint answers 503.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 5 * time.Second

// Report states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is one named readiness check. Check returns nil while the
// dependency is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error

	// Optional checks only degrade readiness when they fail.
	Optional bool
}

// Condition returns a required [Checker] that passes while ok reports true
// and fails with reason otherwise. It suits in-process state such as
// "transport connected".
func Condition(name string, ok func() bool, reason string) Checker {
	err := errors.New(reason)
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if ok() {
				return nil
			}
			return err
		},
	}
}

// Degrades marks c as optional.
func Degrades(c Checker) Checker {
	c.Optional = true
	return c
}

// CheckResult is the outcome of one check in a [Report].
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Millis   int64  `json:"ms"`
}

// Report is the body of /readyz.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheckTimeout overrides [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Handler serves /healthz and /readyz. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// New creates a Handler evaluating checkers on each /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultCheckTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Evaluate runs every checker concurrently, each under its own timeout
// derived from ctx, and folds the results into a Report.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))

	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			r := CheckResult{
				Status:   StatusOK,
				Optional: c.Optional,
				Millis:   time.Since(start).Milliseconds(),
			}
			if err != nil {
				r.Status = StatusFail
				r.Error = err.Error()
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(results))}
	for i, r := range results {
		rep.Checks[h.checkers[i].Name] = r
		if r.Status == StatusOK {
			continue
		}
		if !r.Optional {
			rep.Status = StatusFail
		} else if rep.Status == StatusOK {
			rep.Status = StatusDegraded
		}
	}
	return rep
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz answers 503 when a required check fails and 200 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	status := http.StatusOK
	if rep.Status == StatusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
