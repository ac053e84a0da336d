package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Leg is one priced outcome taken from one source.
type Leg struct {
	SourceID string  `json:"source_id"`
	Outcome  string  `json:"outcome"`
	Price    float64 `json:"price"`
}

// ArbitrageOpportunity is a detected risk-free combination of legs. Values
// are never mutated after construction.
type ArbitrageOpportunity struct {
	ID                 string     `json:"id"`
	EventID            string     `json:"event_id"`
	Market             MarketType `json:"market_type"`
	Legs               []Leg      `json:"legs"`
	ImpliedProbability float64    `json:"implied_probability"`
	ProfitPercent      float64    `json:"profit_percent"`
	DetectedAt         time.Time  `json:"detected_at"`
}

// ProfitDisplay renders the profit rounded to 2 places.
func (o ArbitrageOpportunity) ProfitDisplay() string {
	return decimal.NewFromFloat(o.ProfitPercent).StringFixed(2)
}

// ImpliedDisplay renders the implied probability rounded to 4 places.
func (o ArbitrageOpportunity) ImpliedDisplay() string {
	return decimal.NewFromFloat(o.ImpliedProbability).StringFixed(4)
}

// Leg returns the leg for outcome, if present.
func (o ArbitrageOpportunity) Leg(outcome string) (Leg, bool) {
	for _, l := range o.Legs {
		if l.Outcome == outcome {
			return l, true
		}
	}
	return Leg{}, false
}
