package arbitrage

import (
	"context"

	"github.com/acheron/engine/internal/domain"
)

// Sink receives detected opportunities. Implementations must not retain the
// opportunity's Legs slice beyond the call.
type Sink interface {
	Name() string
	HandleOpportunity(ctx context.Context, opp domain.ArbitrageOpportunity, event *domain.EventInfo) error
}

// SinkFunc adapts a function into a named Sink.
func SinkFunc(name string, fn func(ctx context.Context, opp domain.ArbitrageOpportunity, event *domain.EventInfo) error) Sink {
	return funcSink{name: name, fn: fn}
}

type funcSink struct {
	name string
	fn   func(ctx context.Context, opp domain.ArbitrageOpportunity, event *domain.EventInfo) error
}

func (s funcSink) Name() string { return s.name }

func (s funcSink) HandleOpportunity(ctx context.Context, opp domain.ArbitrageOpportunity, event *domain.EventInfo) error {
	return s.fn(ctx, opp, event)
}
