package notify

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/acheron/engine/internal/domain"
)

func teams(event *domain.EventInfo) (home, away, league string) {
	home, away, league = "Home", "Away", ""
	if event == nil {
		return
	}
	if event.HomeTeam != "" {
		home = event.HomeTeam
	}
	if event.AwayTeam != "" {
		away = event.AwayTeam
	}
	league = event.League
	return
}

func arbTitle(opp domain.ArbitrageOpportunity, event *domain.EventInfo) string {
	home, away, _ := teams(event)
	return fmt.Sprintf("ARB: %s%% | %s vs %s", opp.ProfitDisplay(), home, away)
}

func arbBody(opp domain.ArbitrageOpportunity, event *domain.EventInfo) string {
	home, away, league := teams(event)
	var b strings.Builder
	if league != "" {
		fmt.Fprintf(&b, "%s: ", league)
	}
	fmt.Fprintf(&b, "%s vs %s (%s)\n", home, away, opp.Market)
	fmt.Fprintf(&b, "Profit: %s%%\n", opp.ProfitDisplay())
	for i, l := range opp.Legs {
		fmt.Fprintf(&b, "Leg %d: %s - %s @ %.2f\n", i+1, strings.ToUpper(l.SourceID), capitalize(l.Outcome), l.Price)
	}
	fmt.Fprintf(&b, "Implied Prob: %s\n", opp.ImpliedDisplay())
	b.WriteString("Act fast, odds may move quickly.")
	return b.String()
}

// arbTags prefixes the configured tags with a marker for the profit tier.
func arbTags(opp domain.ArbitrageOpportunity, base []string) []string {
	var tier []string
	switch {
	case opp.ProfitPercent >= 5:
		tier = []string{"fire", "fire"}
	case opp.ProfitPercent >= 3:
		tier = []string{"fire"}
	}
	return append(tier, base...)
}

// deepLink points at the event page when league and event ids are known,
// else at base itself.
func deepLink(base string, event *domain.EventInfo) string {
	if base == "" {
		return ""
	}
	base = strings.TrimRight(base, "/")
	if event == nil || event.EventID == "" || event.LeagueID == "" {
		return base
	}
	return fmt.Sprintf("%s/leagues/%s/events/%s", base, url.PathEscape(event.LeagueID), url.PathEscape(event.EventID))
}

func dedupKey(opp domain.ArbitrageOpportunity) string {
	parts := make([]string, 0, len(opp.Legs)+2)
	parts = append(parts, opp.EventID, string(opp.Market))
	for _, l := range opp.Legs {
		parts = append(parts, fmt.Sprintf("%s=%s@%.3f", l.Outcome, l.SourceID, l.Price))
	}
	return strings.Join(parts, ":")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
