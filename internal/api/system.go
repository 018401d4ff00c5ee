package api

import (
	"net/http"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// SystemHandler handles manifest and health endpoints.
type SystemHandler struct {
	backend core.Backend
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(backend core.Backend) *SystemHandler {
	return &SystemHandler{backend: backend}
}

// Manifest handles GET /ojs/manifest
func (h *SystemHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"specversion": core.OJSVersion,
		"implementation": map[string]any{
			"name":     "ojs-thread-engine",
			"version":  core.OJSVersion,
			"language": "go",
			"backend":  "nats",
		},
		"capabilities": map[string]any{
			"triggers":           []string{"cron", "now", "slot", "epoch", "timestamp", "account"},
			"max_instructions":   core.MaxInstructions,
			"max_thread_id":      core.MaxThreadIDLength,
			"max_account_window": core.MaxAccountWindow,
			"default_rate_limit": core.DefaultRateLimit,
			"signatures":         "ed25519",
			"events":             "sse",
		},
	})
}

// Health handles GET /ojs/v1/health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp, err := h.backend.Health(r.Context())
	status := http.StatusOK
	if err != nil || resp == nil || resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	if resp == nil {
		resp = &core.HealthResponse{Status: "error", Version: core.OJSVersion}
	}
	WriteJSON(w, status, resp)
}
