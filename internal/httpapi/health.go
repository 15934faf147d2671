package httpapi

import (
	"context"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/feedgate/api"
)

const readyCheckTimeout = 2 * time.Second

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return methodNotAllowed(w, "GET, HEAD")
	}
	if h.draining.Load() {
		h.writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "draining"}, nil)
		return nil
	}
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"}, nil)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return methodNotAllowed(w, "GET, HEAD")
	}
	logger := pslog.LoggerFromContext(r.Context())
	resp := api.HealthResponse{Status: "ok"}
	status := http.StatusOK
	if h.draining.Load() {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	if len(h.readyChecks) > 0 {
		resp.Checks = make(map[string]string, len(h.readyChecks))
	}
	for _, check := range h.readyChecks {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		err := check.Check(ctx)
		cancel()
		if err != nil {
			resp.Checks[check.Name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			logger.Warn("readyz.check.failed", "check", check.Name, "error", err)
			continue
		}
		resp.Checks[check.Name] = "ok"
	}
	h.writeJSON(w, status, resp, nil)
	return nil
}
