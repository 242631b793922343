package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/posync/internal/client/conflict"
	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/common"
)

var (
	ErrNotRetryable   = errors.New("queue item is neither failed nor in conflict")
	ErrNotInConflict  = errors.New("queue item is not in conflict")
	ErrItemInFlight   = errors.New("queue item is being processed")
	ErrMergeNeedsBody = errors.New("merge resolution requires a merged payload")
)

// List returns items with the given status, or every unfinished item when
// status is empty.
func (p *Processor) List(ctx context.Context, status models.QueueStatus) ([]*models.QueueItem, error) {
	if status == "" {
		return p.store.SyncQueue().ListActive(ctx)
	}
	return p.store.SyncQueue().ListByStatus(ctx, status)
}

func (p *Processor) Get(ctx context.Context, id int64) (*models.QueueItem, error) {
	return p.store.SyncQueue().GetByID(ctx, id)
}

// lockItem loads item id and takes its record lock.
func (p *Processor) lockItem(ctx context.Context, id int64) (*models.QueueItem, func(), error) {
	item, err := p.store.SyncQueue().GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock := p.guard.Lock(item.EntityKey())
	// Reload under the lock; a reconciliation may have rebound it.
	fresh, err := p.store.SyncQueue().GetByID(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	if fresh.EntityKey() != item.EntityKey() {
		unlock()
		return p.lockItem(ctx, id)
	}
	return fresh, unlock, nil
}

// Retry puts a failed or conflicting item back in the queue with a fresh
// attempt budget.
func (p *Processor) Retry(ctx context.Context, id int64) (*models.QueueItem, error) {
	item, unlock, err := p.lockItem(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if item.Status != models.StatusFailed && item.Status != models.StatusConflict {
		return nil, fmt.Errorf("%w: item %d is %s", ErrNotRetryable, id, item.Status)
	}
	next := *item
	if err := next.Transition(models.StatusPending, p.now()); err != nil {
		return nil, err
	}
	next.Attempts = 0
	if err := p.persist(ctx, func(ctx context.Context, r storage.Repositories) error {
		return r.SyncQueue().Update(ctx, &next)
	}); err != nil {
		return nil, err
	}
	p.log.Info(ctx, "item requeued", "id", id)
	return &next, nil
}

// Discard drops an item on user request. Discarding an offline CREATE also
// removes the local record it created.
func (p *Processor) Discard(ctx context.Context, id int64) error {
	item, unlock, err := p.lockItem(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if item.Status == models.StatusProcessing {
		return fmt.Errorf("%w: item %d", ErrItemInFlight, id)
	}
	err = p.persist(ctx, func(ctx context.Context, r storage.Repositories) error {
		if item.Status != models.StatusCompleted && item.Operation == models.OperationCreate && models.IsTempID(item.EntityID) {
			coll, err := storage.CollectionFor(r, item.Entity)
			if err != nil {
				return err
			}
			if err := coll.Delete(ctx, []string{item.EntityID}); err != nil {
				return err
			}
		}
		return r.SyncQueue().Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	p.log.Info(ctx, "item discarded", "id", id, "entity", item.Entity, "entity_id", item.EntityID)
	return nil
}

// Resolve applies a conflict strategy to an item in conflict.
//
//   - server_wins: the server copy replaces the local record and the item
//     completes
//   - client_wins: the item is replayed again, forcing the overwrite
//   - merge: merged replaces the payload and is replayed with force
//   - manual: the item stays in conflict, flagged for review
func (p *Processor) Resolve(ctx context.Context, id int64, strategy conflict.Strategy, merged json.RawMessage) (*models.QueueItem, error) {
	item, unlock, err := p.lockItem(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if item.Status != models.StatusConflict {
		return nil, fmt.Errorf("%w: item %d is %s", ErrNotInConflict, id, item.Status)
	}
	return p.resolveLocked(ctx, item, strategy, merged)
}

func (p *Processor) resolveLocked(ctx context.Context, item *models.QueueItem, strategy conflict.Strategy, merged json.RawMessage) (*models.QueueItem, error) {
	now := p.now()
	next := *item
	next.Resolution = string(strategy)

	var write func(ctx context.Context, r storage.Repositories) error

	switch strategy {
	case conflict.ServerWins:
		if err := next.Transition(models.StatusCompleted, now); err != nil {
			return nil, err
		}
		write = func(ctx context.Context, r storage.Repositories) error {
			if err := p.discardLocal(ctx, r, item, now); err != nil {
				return err
			}
			return r.SyncQueue().Update(ctx, &next)
		}

	case conflict.ClientWins, conflict.Merge:
		if strategy == conflict.Merge {
			if len(merged) == 0 {
				return nil, ErrMergeNeedsBody
			}
			next.Payload = merged
			if _, err := p.registry.Decode(&next); err != nil {
				return nil, err
			}
		}
		if err := next.Transition(models.StatusPending, now); err != nil {
			return nil, err
		}
		next.Force = true
		next.Attempts = 0
		write = func(ctx context.Context, r storage.Repositories) error {
			return r.SyncQueue().Update(ctx, &next)
		}

	case conflict.Manual:
		write = func(ctx context.Context, r storage.Repositories) error {
			return r.SyncQueue().Update(ctx, &next)
		}

	default:
		return nil, fmt.Errorf("%w: %q", conflict.ErrUnknownStrategy, strategy)
	}

	if err := p.persist(ctx, write); err != nil {
		return nil, err
	}
	p.log.Info(ctx, "conflict resolved", "id", item.ID, "strategy", strategy, "status", next.Status)
	return &next, nil
}

// discardLocal drops the local side of a conflicting intent: the server copy
// is applied when known, an offline-created record is removed otherwise.
func (p *Processor) discardLocal(ctx context.Context, r storage.Repositories, item *models.QueueItem, now time.Time) error {
	coll, err := storage.CollectionFor(r, item.Entity)
	if err != nil {
		return err
	}
	if len(item.ServerData) > 0 && item.Operation != models.OperationCreate {
		return coll.Apply(ctx, item.ServerData, now)
	}
	if item.Operation == models.OperationCreate && models.IsTempID(item.EntityID) {
		return coll.Delete(ctx, []string{item.EntityID})
	}
	return nil
}

// Reclaim moves items stuck in processing for longer than olderThan back to
// pending. Reclaim(ctx, 0) at startup recovers everything a crash left
// behind.
func (p *Processor) Reclaim(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := p.store.SyncQueue().ReclaimStale(ctx, p.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.log.Warn(ctx, "reclaimed stale queue items", "count", n)
	}
	return n, nil
}

// ReclaimStale reclaims with the configured staleness threshold.
func (p *Processor) ReclaimStale(ctx context.Context) (int, error) {
	return p.Reclaim(ctx, p.cfg.StaleAfter)
}

// Prune deletes completed items finished more than olderThan ago.
func (p *Processor) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := p.store.SyncQueue().DeleteCompleted(ctx, p.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.log.Debug(ctx, "pruned completed queue items", "count", n)
	}
	return n, nil
}

// IsNotFound reports whether err means the item does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, common.ErrorNotFound)
}
