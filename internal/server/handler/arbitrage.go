package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/acheron/engine/internal/arbitrage"
	"github.com/acheron/engine/internal/domain"
)

// ArbHistory is the persisted opportunity history.
type ArbHistory interface {
	ListRecent(ctx context.Context, limit int) ([]domain.ArbitrageOpportunity, error)
}

// RecentSource is the engine's in-memory ring of recent opportunities.
type RecentSource interface {
	Recent(limit int) []domain.ArbitrageOpportunity
}

// StreamReader reads the durable opportunity stream.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// ArbHandler serves arbitrage-related HTTP endpoints.
type ArbHandler struct {
	recent  RecentSource
	history ArbHistory   // optional; falls back to recent
	stream  StreamReader // optional; when nil, Stream returns 501
	logger  *slog.Logger
}

// NewArbHandler creates an ArbHandler over the engine's recent ring.
func NewArbHandler(recent RecentSource, logger *slog.Logger) *ArbHandler {
	return &ArbHandler{recent: recent, logger: logHandler(logger, "arbitrage")}
}

// WithHistory serves ListRecent from the persisted history.
func (h *ArbHandler) WithHistory(history ArbHistory) *ArbHandler {
	h.history = history
	return h
}

// WithStream enables the stream endpoint.
func (h *ArbHandler) WithStream(stream StreamReader) *ArbHandler {
	h.stream = stream
	return h
}

// listArbResponse wraps the list arbitrage opportunities response.
type listArbResponse struct {
	Opportunities []domain.ArbitrageOpportunity `json:"opportunities"`
	Source        string                        `json:"source"`
}

// ListRecent returns the most recent arbitrage opportunities, newest first.
// GET /api/arbitrage/recent?limit=20
func (h *ArbHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 20, 200)

	var (
		opps   []domain.ArbitrageOpportunity
		source = "memory"
	)
	if h.history != nil {
		var err error
		opps, err = h.history.ListRecent(r.Context(), limit)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list arb opportunities failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list arbitrage opportunities")
			return
		}
		source = "history"
	} else {
		opps = h.recent.Recent(limit)
	}

	if opps == nil {
		opps = []domain.ArbitrageOpportunity{}
	}

	writeJSON(w, http.StatusOK, listArbResponse{Opportunities: opps, Source: source})
}

type streamEntry struct {
	ID          string                      `json:"id"`
	Opportunity domain.ArbitrageOpportunity `json:"opportunity"`
	Event       *domain.EventInfo           `json:"event,omitempty"`
}

// Stream pages through the durable opportunity stream. Pass the last id
// seen as ?after= to continue; the default starts at the beginning.
// GET /api/arbitrage/stream?after=0&count=50
func (h *ArbHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeError(w, http.StatusNotImplemented, "opportunity stream not configured")
		return
	}

	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	count := queryInt(r, "count", 50, 500)
	if count == 0 {
		count = 50
	}

	msgs, err := h.stream.StreamRead(r.Context(), arbitrage.OpportunityStream, after, count)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read opportunity stream failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read opportunity stream")
		return
	}

	entries := make([]streamEntry, 0, len(msgs))
	next := after
	for _, m := range msgs {
		next = m.ID
		opp, event, err := arbitrage.DecodeEnvelope(m.Payload)
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: skipping undecodable stream entry",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		entries = append(entries, streamEntry{ID: m.ID, Opportunity: opp, Event: event})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"next":    next,
	})
}
