package arbitrage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acheron/engine/internal/domain"
)

type memBus struct {
	published map[string][][]byte
	streamed  map[string][][]byte
	failOn    string
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	if b.failOn == "publish" {
		return errors.New("bus down")
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	if b.failOn == "append" {
		return errors.New("stream down")
	}
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func sampleOpportunity() domain.ArbitrageOpportunity {
	return domain.ArbitrageOpportunity{
		ID:      "opp-1",
		EventID: "ev1",
		Market:  domain.MarketMoneyline,
		Legs: []domain.Leg{
			{SourceID: "ref", Outcome: "home", Price: 2.2},
			{SourceID: "book", Outcome: "away", Price: 2.1},
		},
		ImpliedProbability: 0.93074,
		ProfitPercent:      7.44,
		DetectedAt:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestBusSinkPublishesAndAppends(t *testing.T) {
	bus := newMemBus()
	sink := NewBusSink(bus)
	event := &domain.EventInfo{EventID: "ev1", HomeTeam: "Oilers", AwayTeam: "Flames"}

	if err := sink.HandleOpportunity(context.Background(), sampleOpportunity(), event); err != nil {
		t.Fatalf("HandleOpportunity: %v", err)
	}
	if len(bus.published[OpportunityChannel]) != 1 {
		t.Fatalf("published = %d, want 1", len(bus.published[OpportunityChannel]))
	}
	if len(bus.streamed[OpportunityStream]) != 1 {
		t.Fatalf("streamed = %d, want 1", len(bus.streamed[OpportunityStream]))
	}

	opp, ev, err := DecodeEnvelope(bus.streamed[OpportunityStream][0])
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if opp.ID != "opp-1" || len(opp.Legs) != 2 || opp.Legs[1].SourceID != "book" {
		t.Errorf("decoded opportunity = %+v", opp)
	}
	if ev == nil || ev.HomeTeam != "Oilers" {
		t.Errorf("decoded event = %+v", ev)
	}
}

func TestBusSinkErrors(t *testing.T) {
	for _, failOn := range []string{"publish", "append"} {
		bus := newMemBus()
		bus.failOn = failOn
		if err := NewBusSink(bus).HandleOpportunity(context.Background(), sampleOpportunity(), nil); err == nil {
			t.Errorf("failOn=%s: expected error", failOn)
		}
	}
}

type memHistory struct {
	domain.OpportunityStore
	inserted []domain.ArbitrageOpportunity
	err      error
}

func (m *memHistory) Insert(_ context.Context, opp domain.ArbitrageOpportunity) error {
	if m.err != nil {
		return m.err
	}
	m.inserted = append(m.inserted, opp)
	return nil
}

func TestHistorySink(t *testing.T) {
	store := &memHistory{}
	if err := NewHistorySink(store).HandleOpportunity(context.Background(), sampleOpportunity(), nil); err != nil {
		t.Fatalf("HandleOpportunity: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(store.inserted))
	}

	store.err = errors.New("db down")
	if err := NewHistorySink(store).HandleOpportunity(context.Background(), sampleOpportunity(), nil); !errors.Is(err, store.err) {
		t.Errorf("err = %v, want wrapped db error", err)
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeEnvelope([]byte("{not json")); err == nil {
		t.Fatal("expected error")
	}
}
