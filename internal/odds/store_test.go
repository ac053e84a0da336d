package odds

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/acheron/engine/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)

func TestPutRejectsMalformed(t *testing.T) {
	s := New(Config{})
	tests := []struct {
		name   string
		prices map[string]float64
	}{
		{"empty", map[string]float64{}},
		{"single outcome", map[string]float64{"home": 2.0}},
		{"negative", map[string]float64{"home": -2.0, "away": 1.9}},
		{"at one", map[string]float64{"home": 1.0, "away": 1.9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Put("e1", domain.MarketMoneyline, "pinnacle", tt.prices, t0)
			if !errors.Is(err, domain.ErrInvalidSnapshot) {
				t.Fatalf("err = %v, want ErrInvalidSnapshot", err)
			}
		})
	}
	if s.Len() != 0 {
		t.Fatalf("rejected snapshots were stored: %d", s.Len())
	}
}

func TestTTLBoundary(t *testing.T) {
	s := New(Config{TTL: 1800 * time.Second})
	prices := map[string]float64{"home": 2.15, "away": 1.85}
	if err := s.Put("e1", domain.MarketMoneyline, "pinnacle", prices, t0); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("e1", domain.MarketMoneyline, "pinnacle", t0.Add(1799*time.Second)); !ok {
		t.Fatal("snapshot missing at ttl-1")
	}
	if _, ok := s.Get("e1", domain.MarketMoneyline, "pinnacle", t0.Add(1801*time.Second)); ok {
		t.Fatal("snapshot present at ttl+1")
	}
	if s.Len() != 0 {
		t.Fatalf("expired entry not deleted on read, len=%d", s.Len())
	}
}

func TestPutIdempotent(t *testing.T) {
	a, b := New(Config{}), New(Config{})
	prices := map[string]float64{"home": 2.15, "away": 1.85}
	_ = a.Put("e1", domain.MarketMoneyline, "pinnacle", prices, t0)
	_ = b.Put("e1", domain.MarketMoneyline, "pinnacle", prices, t0)
	_ = b.Put("e1", domain.MarketMoneyline, "pinnacle", prices, t0)

	ga, _ := a.Get("e1", domain.MarketMoneyline, "pinnacle", t0)
	gb, _ := b.Get("e1", domain.MarketMoneyline, "pinnacle", t0)
	if a.Len() != b.Len() || !ga.ObservedAt.Equal(gb.ObservedAt) || len(ga.Prices) != len(gb.Prices) {
		t.Fatalf("double put changed state: %+v vs %+v", ga, gb)
	}
	for k, v := range ga.Prices {
		if gb.Prices[k] != v {
			t.Fatalf("price %s differs", k)
		}
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New(Config{})
	_ = s.Put("e1", domain.MarketMoneyline, "pinnacle", map[string]float64{"home": 2.15, "away": 1.85}, t0)
	got, _ := s.Get("e1", domain.MarketMoneyline, "pinnacle", t0)
	got.Prices["home"] = 99
	again, _ := s.Get("e1", domain.MarketMoneyline, "pinnacle", t0)
	if again.Prices["home"] != 2.15 {
		t.Fatal("caller mutated store-owned snapshot")
	}
}

func TestScanAndSweep(t *testing.T) {
	s := New(Config{TTL: time.Hour})
	prices := map[string]float64{"home": 2.0, "away": 2.0}
	_ = s.Put("old", domain.MarketMoneyline, "pinnacle", prices, t0)
	_ = s.Put("new", domain.MarketMoneyline, "pinnacle", prices, t0.Add(10*time.Minute))
	_ = s.Put("new", domain.MarketTotals, "book", prices, t0.Add(10*time.Minute))

	active := s.ScanActiveEvents(t0.Add(11 * time.Minute))
	if len(active) != 2 {
		t.Fatalf("active = %v", active)
	}

	removed := s.Sweep(t0.Add(11*time.Minute), 5*time.Minute)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := s.ScanActiveEvents(t0.Add(11 * time.Minute))["old"]; ok {
		t.Fatal("swept event still active")
	}
	if got := s.Sources("new", domain.MarketMoneyline, t0.Add(11*time.Minute)); len(got) != 1 || got[0] != "pinnacle" {
		t.Fatalf("sources = %v", got)
	}
}

func TestConcurrentPutGetSweep(t *testing.T) {
	s := New(Config{Shards: 4})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ev := fmt.Sprintf("e%d", i%20)
				src := fmt.Sprintf("s%d", w)
				now := t0.Add(time.Duration(i) * time.Millisecond)
				_ = s.Put(ev, domain.MarketMoneyline, src, map[string]float64{"home": 2.1, "away": 1.9}, now)
				s.Get(ev, domain.MarketMoneyline, src, now)
				s.Snapshots(ev, domain.MarketMoneyline, now)
				if i%50 == 0 {
					s.Sweep(now, time.Hour)
					s.ScanActiveEvents(now)
				}
			}
		}(w)
	}
	wg.Wait()
	if got := s.Len(); got != 8*20 {
		t.Fatalf("len = %d, want %d", got, 8*20)
	}
}
