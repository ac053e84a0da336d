package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/acheron/engine/internal/domain"
	"github.com/acheron/engine/internal/feed"
)

// maxIngestBody bounds one POSTed update.
const maxIngestBody = 64 << 10

// OddsReader is the read side of the odds store.
type OddsReader interface {
	ScanActiveEvents(now time.Time) map[string]struct{}
	Snapshots(eventID string, market domain.MarketType, now time.Time) []domain.PriceSnapshot
}

// UpdateProcessor accepts counterparty updates.
type UpdateProcessor interface {
	ProcessUpdate(ctx context.Context, u domain.PriceUpdate, now time.Time) (domain.ArbitrageOpportunity, bool)
	ReferenceSource() string
}

// OddsHandler serves the odds store and the counterparty ingestion endpoint.
type OddsHandler struct {
	store  OddsReader
	engine UpdateProcessor
	logger *slog.Logger
	now    func() time.Time
}

// NewOddsHandler creates an OddsHandler.
func NewOddsHandler(store OddsReader, engine UpdateProcessor, logger *slog.Logger) *OddsHandler {
	return &OddsHandler{
		store:  store,
		engine: engine,
		logger: logHandler(logger, "odds"),
		now:    time.Now,
	}
}

// ListEvents returns the ids of events with at least one live snapshot.
// GET /api/events
func (h *OddsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	active := h.store.ScanActiveEvents(h.now())
	events := make([]string, 0, len(active))
	for id := range active {
		events = append(events, id)
	}
	sort.Strings(events)
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// GetMarket returns every live snapshot for one market.
// GET /api/odds/{event}/{market}
func (h *OddsHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	eventID := pathParam(r, "event")
	market := domain.MarketType(pathParam(r, "market"))

	snaps := h.store.Snapshots(eventID, market, h.now())
	if len(snaps) == 0 {
		writeError(w, http.StatusNotFound, "no live odds for market")
		return
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].SourceID < snaps[j].SourceID })
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":    eventID,
		"market_type": market,
		"snapshots":   snaps,
	})
}

// Ingest accepts one counterparty update in the signal bus JSON shape and
// runs it through the engine. The reference source may only arrive over the
// stream.
// POST /api/odds
func (h *OddsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxIngestBody {
		writeError(w, http.StatusRequestEntityTooLarge, "update too large")
		return
	}

	u, err := feed.DecodeUpdate(body)
	if err != nil {
		if errors.Is(err, domain.ErrParse) || errors.Is(err, domain.ErrInvalidSnapshot) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to decode update")
		return
	}
	if u.SourceID == h.engine.ReferenceSource() {
		writeError(w, http.StatusForbidden, "reference source cannot be ingested over http")
		return
	}

	opp, found := h.engine.ProcessUpdate(r.Context(), u, h.now())
	h.logger.DebugContext(r.Context(), "counterparty update ingested",
		slog.String("source", u.SourceID),
		slog.String("event_id", u.EventID),
		slog.Bool("opportunity", found),
	)

	resp := map[string]any{"accepted": true}
	if found {
		resp["opportunity"] = opp
	}
	writeJSON(w, http.StatusAccepted, resp)
}
