package event

import (
	"context"
	"log/slog"

	"github.com/emperorhan/cargo-escrow/internal/metrics"
)

// Publisher delivers settlement events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ev SettlementEvent) error
}

// Emit publishes ev on p. Publication runs after the owning commit, so a
// failure is logged and counted but never returned to the caller.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, ev SettlementEvent) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		metrics.EventPublishErrors.WithLabelValues(string(ev.Type)).Inc()
		logger.Warn("settlement event publish failed",
			"type", ev.Type,
			"entity_ref", ev.EntityRef,
			"error", err,
		)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
}
