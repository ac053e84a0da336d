package handler

import (
	"net/http"
	"time"
)

// StatusFunc returns the per-component statistics shown on the status
// endpoint, keyed by component name.
type StatusFunc func() map[string]any

// StatusHandler serves pipeline mode, uptime and component statistics.
type StatusHandler struct {
	Mode      string
	StartedAt time.Time
	report    StatusFunc
	now       func() time.Time
}

// NewStatusHandler creates a StatusHandler with the given mode and report.
func NewStatusHandler(mode string, startedAt time.Time, report StatusFunc) *StatusHandler {
	return &StatusHandler{Mode: mode, StartedAt: startedAt, report: report, now: time.Now}
}

// GetStatus responds with the current mode, uptime and component stats.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"mode":           h.Mode,
		"started_at":     h.StartedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(h.now().Sub(h.StartedAt).Seconds()),
	}
	if h.report != nil {
		for k, v := range h.report() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}
