package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/acheron/engine/internal/domain"
)

var positional = []string{domain.OutcomeHome, domain.OutcomeAway, domain.OutcomeDraw}

// ParseUpdate extracts event id, market and outcome prices from a frame
// already classified as a price update. SourceID is left for the caller.
func ParseUpdate(msg map[string]any, defaultMarket domain.MarketType) (domain.PriceUpdate, error) {
	eventID := firstString(msg, "eventId", "event_id", "id")
	if eventID == "" {
		return domain.PriceUpdate{}, fmt.Errorf("feed: parse: missing event id: %w", domain.ErrParse)
	}
	market := domain.MarketType(strings.ToLower(firstString(msg, "marketType", "market_type", "market")))
	if market == "" {
		market = defaultMarket
	}

	var prices map[string]float64
	switch {
	case hasOddsObject(msg):
		prices = oddsObject(msg["odds"].(map[string]any))
	case hasPricesArray(msg):
		prices = priceList(msg["prices"].([]any))
	case hasMarketOutcomes(msg):
		first := msg["markets"].([]any)[0].(map[string]any)
		prices = priceList(first["outcomes"].([]any))
		if m := firstString(first, "type", "marketType", "name"); m != "" && firstString(msg, "marketType", "market_type", "market") == "" {
			market = domain.MarketType(strings.ToLower(m))
		}
	}
	prices = domain.NormalizePrices(prices)
	if len(prices) == 0 {
		return domain.PriceUpdate{}, fmt.Errorf("feed: parse: event %s: no usable prices: %w", eventID, domain.ErrParse)
	}

	return domain.PriceUpdate{
		EventID: eventID,
		Market:  market,
		Prices:  prices,
		Event:   parseEventInfo(msg, eventID),
	}, nil
}

func oddsObject(obj map[string]any) map[string]float64 {
	out := make(map[string]float64, len(obj))
	for label, v := range obj {
		if p, ok := number(v); ok {
			out[label] = p
		}
	}
	return out
}

// priceList reads [{price, designation?, outcome?, name?}] entries. A label is
// taken only when it is a known outcome word; team names and other labels
// fall back to the home, away, draw positions.
func priceList(arr []any) map[string]float64 {
	out := make(map[string]float64, len(arr))
	for i, e := range arr {
		item, ok := e.(map[string]any)
		if !ok {
			continue
		}
		p, ok := number(item["price"])
		if !ok {
			continue
		}
		label, ok := outcomeLabel(item, i)
		if !ok {
			continue
		}
		out[label] = p
	}
	return out
}

func outcomeLabel(item map[string]any, i int) (string, bool) {
	for _, k := range []string{"designation", "outcome", "name"} {
		if l := domain.NormalizeOutcome(firstString(item, k)); knownOutcome(l) {
			return l, true
		}
	}
	if i >= len(positional) {
		return "", false
	}
	return positional[i], true
}

func knownOutcome(l string) bool {
	switch l {
	case domain.OutcomeHome, domain.OutcomeAway, domain.OutcomeDraw, domain.OutcomeOver, domain.OutcomeUnder:
		return true
	}
	return false
}

func parseEventInfo(msg map[string]any, eventID string) *domain.EventInfo {
	return &domain.EventInfo{
		EventID:   eventID,
		LeagueID:  firstString(msg, "leagueId", "league_id"),
		League:    firstString(msg, "league", "sport"),
		HomeTeam:  firstString(msg, "homeTeam", "home_team"),
		AwayTeam:  firstString(msg, "awayTeam", "away_team"),
		StartTime: firstString(msg, "startTime", "start_time", "timestamp"),
	}
}

// firstString returns the first key holding a string or number, as a string.
func firstString(msg map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := msg[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// number accepts JSON numbers and numeric strings.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// decodeFrames decodes a frame holding one object or an array of objects.
func decodeFrames(data []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("feed: decode frame: %w: %w", domain.ErrParse, err)
	}
	switch v := raw.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("feed: decode frame: unexpected %T: %w", raw, domain.ErrParse)
}
