package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/richardliu001/wallet-ledger/internal/model"
)

// Store is the slice of the repository the relay needs.
type Store interface {
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	MarkOutboxProcessed(ctx context.Context, id uint64) error
}

// Relay ships committed outbox rows to Kafka in id order. A row is marked
// processed only after Kafka accepted it, so delivery is at-least-once.
type Relay struct {
	store    Store
	batch    int
	interval time.Duration
	log      *zap.SugaredLogger
}

func NewRelay(store Store, batch int, interval time.Duration, log *zap.SugaredLogger) *Relay {
	if batch < 1 {
		batch = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{store: store, batch: batch, interval: interval, log: log}
}

// RelayOnce publishes one batch and reports how many rows were shipped.
// It stops at the first failure: skipping a row would reorder that account's events.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.store.PollOutbox(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if err := r.store.PublishEvent(ctx, evt); err != nil {
			return sent, err
		}
		if err := r.store.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			return sent, err
		}
		sent++
		r.log.Debugw("outbox event sent", "id", evt.ID, "aggregate_id", evt.AggregateID, "type", evt.EventType)
	}
	return sent, nil
}

// Run relays until ctx is cancelled. A full batch is followed immediately by another.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		n, err := r.RelayOnce(ctx)
		if err != nil {
			r.log.Errorf("relay outbox: %v", err)
		} else if n > 0 {
			r.log.Infof("relayed %d outbox events", n)
		}
		if err == nil && n == r.batch {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
