// Package health provides the call server's liveness and readiness
// endpoints.
//
//   - /healthz is the liveness probe and always returns 200 OK.
//   - /readyz is the readiness probe and returns 200 only when the runtime
//     can take a call. The app registers one named [Checker] per dependency
//     the pipeline needs: Postgres, the speech and language providers,
//     and the conversation store guard.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check. Probes are polled far more
// often than calls are placed; one hung dependency must fail fast rather
// than stall the endpoint.
const checkTimeout = 2 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "database",
	// "stt"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Checks run concurrently, each under its own
// [checkTimeout]: with a database ping and several provider probes
// registered, evaluating them in sequence could push the response past the
// poller's own deadline.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	type outcome struct {
		name string
		err  error
	}
	results := make(chan outcome, len(h.checkers))
	for _, c := range h.checkers {
		go func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			results <- outcome{name: c.Name, err: c.Check(ctx)}
		}()
	}

	checks := make(map[string]string, len(h.checkers))
	allOK := true
	for range h.checkers {
		out := <-results
		if out.err != nil {
			checks[out.name] = "fail: " + out.err.Error()
			allOK = false
		} else {
			checks[out.name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
