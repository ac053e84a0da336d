package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/acheron/engine/internal/domain"
)

// UpdatesChannel is the signal bus channel counterparty feeds publish to.
const UpdatesChannel = "odds_updates"

// EngineFeeder subscribes to the counterparty updates channel and feeds each
// decoded update into the engine.
type EngineFeeder struct {
	bus      domain.SignalBus
	engine   Processor
	reserved string
	logger   *slog.Logger
}

// NewEngineFeeder creates an EngineFeeder.
func NewEngineFeeder(bus domain.SignalBus, engine Processor, logger *slog.Logger) *EngineFeeder {
	return &EngineFeeder{
		bus:    bus,
		engine: engine,
		logger: logger.With(slog.String("component", "engine_feeder")),
	}
}

// WithReservedSource makes the feeder drop updates claiming to come from
// source. Used for the reference source while the interceptor owns it.
func (f *EngineFeeder) WithReservedSource(source string) *EngineFeeder {
	f.reserved = source
	return f
}

// Run subscribes to UpdatesChannel and blocks until ctx is cancelled.
func (f *EngineFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, UpdatesChannel)
	if err != nil {
		return fmt.Errorf("engine feeder: subscribe %s: %w", UpdatesChannel, err)
	}
	f.logger.Info("engine feeder started")
	defer f.logger.Info("engine feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(ctx, data, time.Now()); err != nil {
				f.logger.Debug("engine feeder handle message failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *EngineFeeder) handleMessage(ctx context.Context, data []byte, now time.Time) error {
	u, err := DecodeUpdate(data)
	if err != nil {
		return err
	}
	if f.reserved != "" && u.SourceID == f.reserved {
		return fmt.Errorf("engine feeder: source %s is fed by the stream: %w", u.SourceID, domain.ErrInvalidSnapshot)
	}
	f.engine.ProcessUpdate(ctx, u, now)
	return nil
}

// DecodeUpdate parses the JSON update shape shared by the signal bus and the
// HTTP ingestion endpoint. Prices are normalized; fewer than two usable
// prices is ErrInvalidSnapshot.
func DecodeUpdate(data []byte) (domain.PriceUpdate, error) {
	var u domain.PriceUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return domain.PriceUpdate{}, fmt.Errorf("feed: decode update: %w: %w", domain.ErrParse, err)
	}
	u.SourceID = strings.TrimSpace(u.SourceID)
	u.EventID = strings.TrimSpace(u.EventID)
	u.Market = domain.MarketType(strings.ToLower(strings.TrimSpace(string(u.Market))))
	if u.Market == "" {
		u.Market = domain.MarketMoneyline
	}
	if u.SourceID == "" || u.EventID == "" {
		return domain.PriceUpdate{}, fmt.Errorf("feed: decode update: source and event_id required: %w", domain.ErrParse)
	}
	u.Prices = domain.NormalizePrices(u.Prices)
	if len(u.Prices) < 2 {
		return domain.PriceUpdate{}, fmt.Errorf("feed: decode update: %d usable prices: %w", len(u.Prices), domain.ErrInvalidSnapshot)
	}
	return u, nil
}
