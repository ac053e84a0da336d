package arbitrage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/acheron/engine/internal/domain"
)

// Signal bus names opportunities are published under.
const (
	OpportunityChannel = "arbs"
	OpportunityStream  = "arbs:stream"
)

// envelope is the wire shape for published opportunities.
type envelope struct {
	Opportunity domain.ArbitrageOpportunity `json:"opportunity"`
	Event       *domain.EventInfo           `json:"event,omitempty"`
}

// BusSink publishes every opportunity on the pub/sub channel and appends it
// to the durable stream, so late readers can page through history.
type BusSink struct {
	bus domain.SignalBus
}

// NewBusSink creates a BusSink on bus.
func NewBusSink(bus domain.SignalBus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) Name() string { return "signal_bus" }

func (s *BusSink) HandleOpportunity(ctx context.Context, opp domain.ArbitrageOpportunity, event *domain.EventInfo) error {
	data, err := json.Marshal(envelope{Opportunity: opp, Event: event})
	if err != nil {
		return fmt.Errorf("arbitrage: marshal opportunity: %w", err)
	}
	if err := s.bus.Publish(ctx, OpportunityChannel, data); err != nil {
		return fmt.Errorf("arbitrage: publish opportunity: %w", err)
	}
	if err := s.bus.StreamAppend(ctx, OpportunityStream, data); err != nil {
		return fmt.Errorf("arbitrage: append opportunity: %w", err)
	}
	return nil
}

// HistorySink records opportunities in the opportunity store.
type HistorySink struct {
	store domain.OpportunityStore
}

// NewHistorySink creates a HistorySink on store.
func NewHistorySink(store domain.OpportunityStore) *HistorySink {
	return &HistorySink{store: store}
}

func (s *HistorySink) Name() string { return "history" }

func (s *HistorySink) HandleOpportunity(ctx context.Context, opp domain.ArbitrageOpportunity, _ *domain.EventInfo) error {
	if err := s.store.Insert(ctx, opp); err != nil {
		return fmt.Errorf("arbitrage: record opportunity: %w", err)
	}
	return nil
}

// DecodeEnvelope parses a payload written by BusSink.
func DecodeEnvelope(data []byte) (domain.ArbitrageOpportunity, *domain.EventInfo, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.ArbitrageOpportunity{}, nil, fmt.Errorf("arbitrage: decode opportunity: %w", err)
	}
	return env.Opportunity, env.Event, nil
}

var (
	_ Sink = (*BusSink)(nil)
	_ Sink = (*HistorySink)(nil)
)
