package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acheron/engine/internal/arbitrage"
	"github.com/acheron/engine/internal/domain"
	"github.com/acheron/engine/internal/odds"
)

func mustDecode(t *testing.T, s string) map[string]any {
	t.Helper()
	frames, err := decodeFrames([]byte(s))
	if err != nil || len(frames) != 1 {
		t.Fatalf("decode %s: %v (%d frames)", s, err, len(frames))
	}
	return frames[0]
}

func TestClassify(t *testing.T) {
	tests := []struct {
		frame string
		want  FrameKind
	}{
		{`{"eventId":1,"odds":{"home":2.1,"away":1.8}}`, FramePriceUpdate},
		{`{"id":"e","prices":[{"price":2.1},{"price":1.8}]}`, FramePriceUpdate},
		{`{"id":"e","markets":[{"outcomes":[{"price":2.1},{"price":1.8}]}]}`, FramePriceUpdate},
		{`{"type":"PONG"}`, FrameHeartbeat},
		{`{"type":"heartbeat_ack"}`, FrameHeartbeat},
		{`{"type":"subscribed","markets":["moneyline"]}`, FrameSubscription},
		{`{"type":"confirm"}`, FrameSubscription},
		{`{"type":"news","text":"hi"}`, FrameUnknown},
		{`{"odds":"n/a"}`, FrameUnknown},
	}
	for _, tt := range tests {
		if got := Classify(mustDecode(t, tt.frame)); got != tt.want {
			t.Errorf("Classify(%s) = %v, want %v", tt.frame, got, tt.want)
		}
	}
}

func TestParseUpdateShapes(t *testing.T) {
	tests := []struct {
		name       string
		frame      string
		wantEvent  string
		wantMarket domain.MarketType
		want       map[string]float64
	}{
		{
			name:       "odds object with numeric labels and string prices",
			frame:      `{"eventId":1583972234,"marketType":"Moneyline","odds":{"1":"2.15","2":1.85,"X":0}}`,
			wantEvent:  "1583972234",
			wantMarket: domain.MarketMoneyline,
			want:       map[string]float64{"home": 2.15, "away": 1.85},
		},
		{
			name:       "prices array positional",
			frame:      `{"id":"e2","prices":[{"price":1.95},{"price":2.05},{"price":3.4}]}`,
			wantEvent:  "e2",
			wantMarket: domain.MarketMoneyline,
			want:       map[string]float64{"home": 1.95, "away": 2.05, "draw": 3.4},
		},
		{
			name:       "markets outcomes named",
			frame:      `{"event_id":"e3","markets":[{"type":"totals","outcomes":[{"name":"over","price":1.91},{"name":"under","price":1.99}]}]}`,
			wantEvent:  "e3",
			wantMarket: domain.MarketTotals,
			want:       map[string]float64{"over": 1.91, "under": 1.99},
		},
		{
			name:       "prices array with team names and designations",
			frame:      `{"id":"e4","prices":[{"name":"Boston Bruins","designation":"home","price":2.15},{"name":"Toronto Maple Leafs","designation":"away","price":1.85}]}`,
			wantEvent:  "e4",
			wantMarket: domain.MarketMoneyline,
			want:       map[string]float64{"home": 2.15, "away": 1.85},
		},
		{
			name:       "markets outcomes with team names only",
			frame:      `{"id":"e5","markets":[{"outcomes":[{"name":"Edmonton Oilers","price":1.7},{"name":"Calgary Flames","price":2.3}]}]}`,
			wantEvent:  "e5",
			wantMarket: domain.MarketMoneyline,
			want:       map[string]float64{"home": 1.7, "away": 2.3},
		},
		{
			name:       "designation wins over a positional slot",
			frame:      `{"id":"e6","prices":[{"name":"Oilers","designation":"away","price":2.3},{"name":"Flames","designation":"home","price":1.7}]}`,
			wantEvent:  "e6",
			wantMarket: domain.MarketMoneyline,
			want:       map[string]float64{"home": 1.7, "away": 2.3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseUpdate(mustDecode(t, tt.frame), domain.MarketMoneyline)
			if err != nil {
				t.Fatal(err)
			}
			if u.EventID != tt.wantEvent || u.Market != tt.wantMarket {
				t.Fatalf("got event %q market %q", u.EventID, u.Market)
			}
			if len(u.Prices) != len(tt.want) {
				t.Fatalf("prices = %v, want %v", u.Prices, tt.want)
			}
			for k, v := range tt.want {
				if u.Prices[k] != v {
					t.Errorf("%s = %v, want %v", k, u.Prices[k], v)
				}
			}
		})
	}
}

func TestTeamNamedFrameMatchesHomeAwayCounterparty(t *testing.T) {
	engine := arbitrage.NewEngine(odds.New(odds.Config{}), arbitrage.Config{ReferenceSource: "pinnacle"}, nil, nil, testLogger())
	ctx := context.Background()
	now := time.Now()

	cp, err := DecodeUpdate([]byte(`{"source":"softbook","event_id":"e7","market_type":"moneyline","odds":{"home":1.90,"away":2.10}}`))
	if err != nil {
		t.Fatal(err)
	}
	engine.ProcessUpdate(ctx, cp, now.Add(-5*time.Second))

	ref, err := ParseUpdate(mustDecode(t, `{"id":"e7","prices":[{"name":"Boston Bruins","designation":"home","price":2.15},{"name":"Toronto Maple Leafs","designation":"away","price":1.85}]}`), domain.MarketMoneyline)
	if err != nil {
		t.Fatal(err)
	}
	ref.SourceID = "pinnacle"
	opp, ok := engine.ProcessUpdate(ctx, ref, now)
	if !ok {
		t.Fatalf("no opportunity for parsed prices %v", ref.Prices)
	}
	if opp.ProfitPercent <= 6.2 || opp.ProfitPercent >= 6.3 {
		t.Fatalf("profit = %v", opp.ProfitPercent)
	}
}

func TestParseUpdateErrors(t *testing.T) {
	for _, frame := range []string{
		`{"odds":{"home":2.1,"away":1.8}}`,
		`{"eventId":"e","odds":{"home":0,"away":-1}}`,
	} {
		if _, err := ParseUpdate(mustDecode(t, frame), domain.MarketMoneyline); !errors.Is(err, domain.ErrParse) {
			t.Errorf("ParseUpdate(%s) err = %v, want ErrParse", frame, err)
		}
	}
	if _, err := decodeFrames([]byte("pong")); !errors.Is(err, domain.ErrParse) {
		t.Errorf("plain text frame err = %v", err)
	}
}

func TestParseEventInfo(t *testing.T) {
	u, err := ParseUpdate(mustDecode(t, `{"eventId":"e","leagueId":1456,"homeTeam":"Oilers","awayTeam":"Flames","league":"NHL","odds":{"home":2,"away":2}}`), domain.MarketMoneyline)
	if err != nil {
		t.Fatal(err)
	}
	if u.Event == nil || u.Event.LeagueID != "1456" || u.Event.HomeTeam != "Oilers" || u.Event.AwayTeam != "Flames" {
		t.Fatalf("event = %+v", u.Event)
	}
}

func TestBackoffDelay(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		want := time.Duration(1<<attempt) * time.Second
		if want > 300*time.Second {
			want = 300 * time.Second
		}
		if got := BackoffDelay(2, 300*time.Second, attempt); got != want {
			t.Errorf("attempt %d: delay %v, want %v", attempt, got, want)
		}
	}
	if got := BackoffDelay(2, 300*time.Second, 2000); got != 300*time.Second {
		t.Errorf("huge attempt: %v", got)
	}
}
