package handler

import (
	"net/http"
	"time"

	"github.com/acheron/engine/internal/domain"
)

// HealthReporter is the view of the supervisor the health endpoint needs.
type HealthReporter interface {
	Healthy() bool
	Statuses() []domain.ComponentHealth
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	health HealthReporter
	now    func() time.Time
}

// NewHealthHandler creates a HealthHandler. A nil reporter reports the
// process alive with no components.
func NewHealthHandler(health HealthReporter) *HealthHandler {
	return &HealthHandler{health: health, now: time.Now}
}

// HealthCheck responds with every component's status. It answers 503 while
// any registered component is unhealthy.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	components := []domain.ComponentHealth{}
	if h.health != nil {
		if st := h.health.Statuses(); st != nil {
			components = st
		}
		if !h.health.Healthy() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, map[string]any{
		"status":     status,
		"timestamp":  h.now().UTC().Format(time.RFC3339),
		"components": components,
	})
}
