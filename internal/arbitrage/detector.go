// Package arbitrage detects risk-free combinations of prices across sources
// and runs the per-market update-then-check pipeline.
package arbitrage

import (
	"sort"
	"time"

	"github.com/acheron/engine/internal/domain"
)

// DefaultStaleness is the maximum counterparty age admissible for detection.
const DefaultStaleness = 60 * time.Second

// maxOutcomes bounds the cross pairings evaluated per check (2^n - 2).
const maxOutcomes = 3

// Detect compares a reference snapshot against a counterparty snapshot of the
// same (event, market). Each outcome is priced from exactly one of the two
// sources and at least one leg comes from each. The assignment with the lowest
// implied probability is returned when that probability is strictly below 1.
//
// Either snapshot older than staleness at now yields no opportunity. The
// returned opportunity has no ID; callers assign one.
func Detect(ref, cp domain.PriceSnapshot, now time.Time, staleness time.Duration) (domain.ArbitrageOpportunity, bool) {
	if ref.EventID != cp.EventID || ref.Market != cp.Market || ref.SourceID == cp.SourceID {
		return domain.ArbitrageOpportunity{}, false
	}
	if cp.Age(now) > staleness || ref.Age(now) > staleness {
		return domain.ArbitrageOpportunity{}, false
	}

	outcomes, ok := commonOutcomes(ref.Prices, cp.Prices)
	if !ok {
		return domain.ArbitrageOpportunity{}, false
	}
	n := len(outcomes)

	bestMask := -1
	best := 0.0
	// Bit i set means outcome i is taken from the counterparty. Masks 0 and
	// all-ones are single-source books, not arbitrage.
	for mask := 1; mask < (1<<n)-1; mask++ {
		implied := 0.0
		for i, o := range outcomes {
			if mask&(1<<i) != 0 {
				implied += 1 / cp.Prices[o]
			} else {
				implied += 1 / ref.Prices[o]
			}
		}
		if bestMask < 0 || implied < best {
			best, bestMask = implied, mask
		}
	}
	if bestMask < 0 || best >= 1.0 {
		return domain.ArbitrageOpportunity{}, false
	}

	legs := make([]domain.Leg, n)
	for i, o := range outcomes {
		src := ref
		if bestMask&(1<<i) != 0 {
			src = cp
		}
		legs[i] = domain.Leg{SourceID: src.SourceID, Outcome: o, Price: src.Prices[o]}
	}
	return domain.ArbitrageOpportunity{
		EventID:            ref.EventID,
		Market:             ref.Market,
		Legs:               legs,
		ImpliedProbability: best,
		ProfitPercent:      (1/best - 1) * 100,
		DetectedAt:         now,
	}, true
}

// commonOutcomes returns the shared outcome labels in presentation order. Both
// books must price the same 2 or 3 outcomes with valid prices.
func commonOutcomes(a, b map[string]float64) ([]string, bool) {
	if len(a) != len(b) || len(a) < 2 || len(a) > maxOutcomes {
		return nil, false
	}
	out := make([]string, 0, len(a))
	for o, p := range a {
		q, ok := b[o]
		if !ok || !domain.ValidPrice(p) || !domain.ValidPrice(q) {
			return nil, false
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := outcomeRank(out[i]), outcomeRank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out, true
}

func outcomeRank(o string) int {
	switch o {
	case domain.OutcomeHome:
		return 0
	case domain.OutcomeDraw:
		return 1
	case domain.OutcomeAway:
		return 2
	}
	return 3
}
