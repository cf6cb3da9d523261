package usecase

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/policy"
)

// Reconciler absorbs writes that reached storage without going through the
// controller, such as a foreground fallback made while it was suspended.
type Reconciler struct {
	kv     domain.KVStore
	store  *StateStore
	policy policy.AccessPolicy
	logger *zap.Logger
}

// NewReconciler creates a reconciler that accepts only fields writable by p.
func NewReconciler(kv domain.KVStore, store *StateStore, p policy.AccessPolicy, logger *zap.Logger) *Reconciler {
	return &Reconciler{kv: kv, store: store, policy: p, logger: logger}
}

// Run consumes storage change batches until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	changes, err := r.kv.Watch(ctx)
	if err != nil {
		return err
	}
	r.logger.Debug("reconciler started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-changes:
			if !ok {
				return nil
			}
			r.Handle(batch)
		}
	}
}

// Handle queues one change batch. It returns nil when nothing in the batch is
// eligible. Removals are ignored: the record is never deleted.
func (r *Reconciler) Handle(batch []domain.StorageChange) *Pending {
	seen := make(map[string]bool, len(batch))
	var keys []string
	for _, c := range batch {
		if c.Removed || seen[c.Key] || !r.policy.CanWrite(c.Key) {
			continue
		}
		seen[c.Key] = true
		keys = append(keys, c.Key)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	return r.store.Reconcile(keys)
}
