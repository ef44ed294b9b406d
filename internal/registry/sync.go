package registry

import (
	"context"
	"fmt"
	"time"
)

// initialSync loads every stored token into the cache.
func (r *Registry) initialSync(ctx context.Context) error {
	start := time.Now()

	tokens, err := r.store.ListTokens(ctx)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}
	for _, tok := range tokens {
		if err := r.cache(tok); err != nil {
			return err
		}
	}

	r.state.mu.Lock()
	r.state.lastSyncAt = time.Now()
	r.state.mu.Unlock()

	r.logger.Info("initial token sync complete",
		"tokens", len(tokens),
		"duration", time.Since(start),
	)
	return nil
}

// reconciliationLoop periodically reloads tokens registered by other instances.
func (r *Registry) reconciliationLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

// reconcile picks up new tokens and supply_sold changes from the store.
func (r *Registry) reconcile(ctx context.Context) {
	start := time.Now()

	tokens, err := r.store.ListTokens(ctx)
	if err != nil {
		r.logger.Error("token reconciliation failed", "error", err)
		return
	}

	var created int
	for _, tok := range tokens {
		if _, ok := r.state.get(tok.ID); ok {
			r.state.setSupply(tok.ID, tok.SupplySold)
			continue
		}
		if err := r.cache(tok); err != nil {
			r.logger.Error("skipping stored token", "token_id", tok.ID, "error", err)
			continue
		}
		created++
	}

	r.state.mu.Lock()
	r.state.lastSyncAt = time.Now()
	r.state.mu.Unlock()

	if created > 0 {
		r.logger.Info("reconciliation found new tokens",
			"created", created,
			"duration", time.Since(start),
		)
	} else {
		r.logger.Debug("reconciliation complete",
			"tokens", len(tokens),
			"duration", time.Since(start),
		)
	}
}
