package domain

import (
	"math"
	"strings"
	"time"
)

// MarketType identifies the kind of market a snapshot prices.
type MarketType string

const (
	MarketMoneyline MarketType = "moneyline"
	MarketPuckline  MarketType = "puckline"
	MarketTotals    MarketType = "totals"
)

// Canonical outcome labels. Feeds may use other labels; those pass through
// lower-cased.
const (
	OutcomeHome = "home"
	OutcomeAway = "away"
	OutcomeDraw = "draw"

	OutcomeOver  = "over"
	OutcomeUnder = "under"
)

// NormalizeOutcome maps feed-specific outcome labels onto the canonical set.
func NormalizeOutcome(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	switch l {
	case "1", "h", "home":
		return OutcomeHome
	case "2", "a", "away":
		return OutcomeAway
	case "x", "draw", "tie":
		return OutcomeDraw
	}
	return l
}

// NormalizePrices returns a copy of prices with canonical labels and every
// entry that is not a finite decimal price above 1.0 dropped.
func NormalizePrices(prices map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(prices))
	for label, p := range prices {
		if !ValidPrice(p) {
			continue
		}
		l := NormalizeOutcome(label)
		if l == "" {
			continue
		}
		out[l] = p
	}
	return out
}

// ValidPrice reports whether p is usable decimal odds.
func ValidPrice(p float64) bool {
	return p > 1.0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}

// PriceSnapshot is one source's latest quote for one (event, market).
type PriceSnapshot struct {
	EventID    string             `json:"event_id"`
	Market     MarketType         `json:"market_type"`
	SourceID   string             `json:"source_id"`
	Prices     map[string]float64 `json:"prices"`
	ObservedAt time.Time          `json:"observed_at"`
}

// Clone returns a deep copy so callers never alias store-owned maps.
func (s PriceSnapshot) Clone() PriceSnapshot {
	c := s
	c.Prices = make(map[string]float64, len(s.Prices))
	for k, v := range s.Prices {
		c.Prices[k] = v
	}
	return c
}

// Age is how long ago the snapshot was admitted.
func (s PriceSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.ObservedAt)
}

// EventInfo is descriptive metadata about an event, carried with updates
// for notification rendering.
type EventInfo struct {
	EventID   string `json:"event_id"`
	LeagueID  string `json:"league_id,omitempty"`
	League    string `json:"league,omitempty"`
	HomeTeam  string `json:"home_team,omitempty"`
	AwayTeam  string `json:"away_team,omitempty"`
	StartTime string `json:"start_time,omitempty"`
}

// PriceUpdate is a parsed price observation on its way into the engine.
type PriceUpdate struct {
	SourceID string             `json:"source"`
	EventID  string             `json:"event_id"`
	Market   MarketType         `json:"market_type"`
	Prices   map[string]float64 `json:"odds"`
	Event    *EventInfo         `json:"event,omitempty"`
}
