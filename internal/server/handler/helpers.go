package handler

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/acheron/engine/internal/domain"
)

// writeJSON writes v with the given status. Encoding happens before the
// header is sent so a failure can still become a 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryInt reads a non-negative integer query parameter, returning def when
// it is absent or malformed and clamping to hi.
func queryInt(r *http.Request, name string, def, hi int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < 0 {
		n = def
	}
	return min(n, hi)
}

// parseLimit reads ?limit=, clamped to [1, hi].
func parseLimit(r *http.Request, def, hi int) int {
	if n := queryInt(r, "limit", def, hi); n > 0 {
		return n
	}
	return min(def, hi)
}

// parseListOpts reads the audit filters: event, since and until (RFC3339;
// malformed values are ignored), limit (default 50, max 500) and offset.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()
	opts := domain.ListOpts{
		Event:  q.Get("event"),
		Limit:  parseLimit(r, 50, 500),
		Offset: queryInt(r, "offset", 0, 1<<31-1),
	}
	if t, err := time.Parse(time.RFC3339, q.Get("since")); err == nil {
		opts.Since = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("until")); err == nil {
		opts.Until = &t
	}
	return opts
}

// pathParam returns a ServeMux wildcard value.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("component", "http"), slog.String("handler", handler))
}
