package domain

import (
	"math"
	"testing"
	"time"
)

func TestNormalizePrices(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]float64
		want map[string]float64
	}{
		{
			name: "canonical labels kept",
			in:   map[string]float64{"home": 2.15, "away": 1.85},
			want: map[string]float64{"home": 2.15, "away": 1.85},
		},
		{
			name: "numeric labels mapped",
			in:   map[string]float64{"1": 2.4, "X": 3.1, "2": 2.9},
			want: map[string]float64{"home": 2.4, "draw": 3.1, "away": 2.9},
		},
		{
			name: "non-positive and at-or-below one dropped",
			in:   map[string]float64{"home": -1, "away": 0, "draw": 1.0, "over": 1.01},
			want: map[string]float64{"over": 1.01},
		},
		{
			name: "non-finite dropped",
			in:   map[string]float64{"home": math.Inf(1), "away": math.NaN()},
			want: map[string]float64{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizePrices(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestSnapshotCloneDoesNotAlias(t *testing.T) {
	s := PriceSnapshot{Prices: map[string]float64{"home": 2}}
	c := s.Clone()
	c.Prices["home"] = 3
	if s.Prices["home"] != 2 {
		t.Fatalf("clone aliased original map")
	}
}

func TestSessionCookieHeaderAndValidity(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := Session{
		Cookies:      map[string]string{"b": "2", "a": "1"},
		WebsocketURL: "wss://example.test/ws",
		ExpiresAt:    now.Add(time.Minute),
	}
	if got := s.CookieHeader(); got != "a=1; b=2" {
		t.Errorf("CookieHeader = %q", got)
	}
	if !s.Valid(now) {
		t.Error("expected valid before expiry")
	}
	if s.Valid(now.Add(2 * time.Minute)) {
		t.Error("expected invalid after expiry")
	}
	if (Session{}).Valid(now) {
		t.Error("session without url must be invalid")
	}
}

func TestOpportunityDisplay(t *testing.T) {
	o := ArbitrageOpportunity{ImpliedProbability: 0.94130675526, ProfitPercent: 6.23587}
	if got := o.ProfitDisplay(); got != "6.24" {
		t.Errorf("ProfitDisplay = %s", got)
	}
	if got := o.ImpliedDisplay(); got != "0.9413" {
		t.Errorf("ImpliedDisplay = %s", got)
	}
}
