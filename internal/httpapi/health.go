package httpapi

import (
	"net/http"

	"pkt.systems/taskd/api"
)

// handleHealthz serves the liveness probe; it never consults dependencies.
func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.gate.ApplySecurityHeaders(w)
	now := h.clock.Now()
	h.writeJSON(w, http.StatusOK, api.HealthResponse{
		Status:        "ok",
		Timestamp:     now,
		UptimeSeconds: now.Sub(h.started).Seconds(),
		Version:       h.version,
	})
}

// handleReadyz runs the configured dependency checks and reports 503 when
// any fails.
func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	h.gate.ApplySecurityHeaders(w)
	checks := make(map[string]string, len(h.readyChecks))
	healthy := true
	for name, check := range h.readyChecks {
		if err := check(); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	if !healthy {
		h.logger.Warn("api.http.readyz.unhealthy", "checks", len(checks))
		h.writeJSON(w, http.StatusServiceUnavailable, api.ReadyResponse{
			Status: "unhealthy",
			Checks: checks,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, api.ReadyResponse{Status: "ok", Checks: checks})
}

// handleSecurityMetrics serves the audit-counter snapshot to authenticated
// callers.
func (h *Handler) handleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	if h.gate.HandlePreflight(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		h.gate.ApplySecurityHeaders(w)
		h.writeFailure(w, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     "method not allowed",
			HTTPStatus: http.StatusMethodNotAllowed,
		})
		return
	}
	if _, err := h.gate.Admit(w, r); err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.gate.Audit().Snapshot())
}
