// Package broker holds the order-placement adapters consumed by the exit
// executor.
package broker

import (
	"context"
	"log/slog"

	"github.com/marketwheel/sentinel/internal/cache/local"
	"github.com/marketwheel/sentinel/internal/domain"
)

// Paper is a simulated broker: every exit fills immediately at the best
// known price. Used in paper mode and as the stand-in while no live broker
// adapter is configured.
type Paper struct {
	prices *local.Cache
	logger *slog.Logger
}

// NewPaper creates a paper broker that fills at the local cache's last
// price, falling back to the entry price when no tick has arrived yet.
func NewPaper(prices *local.Cache, logger *slog.Logger) *Paper {
	return &Paper{
		prices: prices,
		logger: logger.With(slog.String("component", "paper_broker")),
	}
}

// ExitMarket simulates a market exit order.
func (b *Paper) ExitMarket(ctx context.Context, p domain.Position) (domain.ExitResult, error) {
	price := p.EntryPrice
	if snap, ok := b.prices.Get(p.ID); ok && snap.LastPrice > 0 {
		price = snap.LastPrice
	}

	b.logger.Info("paper fill",
		slog.String("position_id", p.ID),
		slog.String("symbol", p.Symbol),
		slog.Float64("price", price),
	)

	return domain.ExitResult{Success: true, ExitPrice: price}, nil
}

// Compile-time interface check.
var _ domain.Broker = (*Paper)(nil)
