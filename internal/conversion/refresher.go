package conversion

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Refresher keeps a Table in sync with a Source. On fetch failure the last
// good snapshot stays in place.
type Refresher struct {
	table    *Table
	source   Source
	interval time.Duration
	log      *zap.SugaredLogger
}

func NewRefresher(table *Table, source Source, interval time.Duration, log *zap.SugaredLogger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{table: table, source: source, interval: interval, log: log}
}

// RefreshOnce fetches and installs one snapshot.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	snap, err := r.source.Fetch(ctx)
	if err != nil {
		return err
	}
	r.table.Replace(snap)
	return nil
}

// Run refreshes on every tick until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RefreshOnce(ctx); err != nil {
				r.log.Warnf("refresh rates: %v", err)
				continue
			}
			r.log.Debugf("rates refreshed as of %s", r.table.Snapshot().AsOf())
		}
	}
}
