package market

import (
	"context"
	"fmt"
	"time"
)

// reconciliationLoop periodically syncs with the catalog.
func (r *Registry) reconciliationLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sync(ctx); err != nil {
				r.logger.Error("reconciliation failed", "err", err)
			}
		}
	}
}

// sync fetches the catalog and emits a change for every difference.
// Instruments missing from the catalog are deactivated.
func (r *Registry) sync(ctx context.Context) error {
	start := time.Now()

	instruments, err := r.catalog.ListInstruments(ctx)
	if err != nil {
		return fmt.Errorf("list instruments: %w", err)
	}

	seen := make(map[string]struct{}, len(instruments))
	var changes []InstrumentChange

	r.state.mu.Lock()
	for _, inst := range instruments {
		seen[inst.Symbol] = struct{}{}
		if change, ok := r.state.upsertLocked(inst); ok {
			changes = append(changes, change)
		}
	}
	for symbol, existing := range r.state.instruments {
		if _, ok := seen[symbol]; ok || !existing.Active {
			continue
		}
		gone := *existing
		gone.Active = false
		if change, ok := r.state.upsertLocked(gone); ok {
			changes = append(changes, change)
		}
	}
	r.state.lastSyncAt = time.Now()
	r.state.mu.Unlock()

	for _, change := range changes {
		r.state.notifyChange(change)
	}

	if len(changes) > 0 {
		r.logger.Info("catalog sync found changes",
			"changes", len(changes),
			"total_instruments", len(instruments),
			"duration", time.Since(start),
		)
	} else {
		r.logger.Debug("catalog sync complete",
			"total_instruments", len(instruments),
			"duration", time.Since(start),
		)
	}
	return nil
}
