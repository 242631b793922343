package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/posync/internal/client/client"
	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/common"
)

// processBatch replays items through POST /sync/batch. Items are heads of
// distinct records, so their relative order does not matter.
func (p *Processor) processBatch(ctx context.Context, heads []*models.QueueItem) ([]outcome, error) {
	keys := make([]string, len(heads))
	for i, h := range heads {
		keys[i] = h.EntityKey()
	}
	unlock := p.guard.Lock(keys...)
	defer unlock()

	items := make([]*models.QueueItem, 0, len(heads))
	outs := make([]outcome, 0, len(heads))
	for _, h := range heads {
		item, err := p.claim(ctx, h)
		if err != nil {
			return outs, err
		}
		if item == nil {
			continue
		}
		if _, err := p.registry.Decode(item); err != nil {
			o, err := p.settle(ctx, item, reply{}, fmt.Errorf("%w: %w", common.ErrRejected, err))
			outs = append(outs, o)
			if err != nil {
				return outs, err
			}
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return outs, nil
	}

	req := models.BatchRequest{DeviceID: p.deviceID(), Operations: make([]models.BatchOperation, len(items))}
	for i, it := range items {
		req.Operations[i] = models.BatchOperation{
			IdempotencyKey: it.IdempotencyKey,
			Entity:         it.Entity,
			Action:         it.Operation,
			EntityID:       it.EntityID,
			Data:           it.Payload,
			Force:          it.Force,
		}
	}

	rctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	resp, err := p.remote.Batch(rctx, req)
	cancel()

	results := map[string]models.BatchResult{}
	if err == nil {
		for _, r := range resp.Results {
			results[r.IdempotencyKey] = r
		}
	}

	for _, it := range items {
		var o outcome
		var serr error
		switch r, ok := results[it.IdempotencyKey]; {
		case err != nil:
			o, serr = p.settle(ctx, it, reply{}, err)
		case !ok:
			o, serr = p.settle(ctx, it, reply{}, fmt.Errorf("%w: %w: %s", common.ErrServer, errNoResult, it.IdempotencyKey))
		case r.Status == models.BatchConflict:
			o, serr = p.settle(ctx, it, reply{doc: r.Data}, fmt.Errorf("%w: %s", common.ErrConflict, r.Error))
		case r.Status == models.BatchError && r.Code == client.CodeNotFound:
			o, serr = p.settle(ctx, it, reply{}, fmt.Errorf("%w: %s", common.ErrRemoteNotFound, r.Error))
		case r.Status == models.BatchError:
			o, serr = p.settle(ctx, it, reply{}, fmt.Errorf("%w: %s", common.ErrRejected, r.Error))
		default:
			o, serr = p.settle(ctx, it, reply{serverID: string(r.ID), doc: r.Data}, nil)
		}
		outs = append(outs, o)
		if serr != nil {
			return outs, serr
		}
	}
	return outs, nil
}

var errNoResult = errors.New("batch response carries no result")
