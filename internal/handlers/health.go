package handlers

import (
	"net/http"
	"sync/atomic"
)

// HealthHandler backs the admin server's liveness/readiness probes.
// Readiness defers to a CheckFn supplied at construction (typically "is
// at least one backend pool synced to the chain head"); liveness only
// confirms the process itself is responsive.
type HealthHandler struct {
	checkFn      func() error
	unavailable  atomic.Bool
}

func NewHealthHandler(checkFn func() error) *HealthHandler {
	return &HealthHandler{checkFn: checkFn}
}

// SetUnavailable lets the caller force readiness to fail during
// shutdown drain, independent of checkFn.
func (h *HealthHandler) SetUnavailable(v bool) {
	h.unavailable.Store(v)
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.unavailable.Load() {
		writeErrorJSON(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	if h.checkFn != nil {
		if err := h.checkFn(); err != nil {
			writeErrorJSON(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}
