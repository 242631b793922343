package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/posync/internal/client/client"
	"github.com/dmitrijs2005/posync/internal/client/conflict"
	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/ownership"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/logging"
)

// Remote is the part of the backend client the processor replays against.
type Remote interface {
	Replay(ctx context.Context, req models.ReplayRequest) (*models.ReplayResponse, error)
	Batch(ctx context.Context, req models.BatchRequest) (*models.BatchResponse, error)
}

// Connectivity reports the debounced online state.
type Connectivity interface {
	IsOnline() bool
}

type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
	StaleAfter     time.Duration
	// BatchSize > 1 replays through POST /sync/batch.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    models.DefaultMaxAttempts,
		BaseDelay:      2 * time.Second,
		MaxDelay:       5 * time.Minute,
		RequestTimeout: 15 * time.Second,
		StaleAfter:     2 * time.Minute,
		BatchSize:      1,
	}
}

// DrainResult counts what one Drain call did. Skipped counts the distinct
// pending items held back at any pass, behind an earlier item of the same
// record or by backoff.
type DrainResult struct {
	Succeeded int  `json:"succeeded"`
	Retried   int  `json:"retried"`
	Failed    int  `json:"failed"`
	Conflicts int  `json:"conflicts"`
	Skipped   int  `json:"skipped"`
	Aborted   bool `json:"aborted"`
}

func (r DrainResult) Attempted() int {
	return r.Succeeded + r.Retried + r.Failed + r.Conflicts
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeRetried
	outcomeFailed
	outcomeConflict
	outcomeAborted
)

type Processor struct {
	store    storage.Adapter
	remote   Remote
	conn     Connectivity
	registry *models.Registry
	policy   conflict.Policy
	guard    *ownership.Guard
	cfg      Config
	log      logging.Logger
	now      func() time.Time
	deviceID func() string

	persistBackoff time.Duration

	drainMu sync.Mutex
}

type Option func(*Processor)

func WithLogger(l logging.Logger) Option {
	return func(p *Processor) { p.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithGuard shares the record lock with the sync coordinator.
func WithGuard(g *ownership.Guard) Option {
	return func(p *Processor) { p.guard = g }
}

func WithPolicy(pol conflict.Policy) Option {
	return func(p *Processor) { p.policy = pol }
}

func WithRegistry(r *models.Registry) Option {
	return func(p *Processor) { p.registry = r }
}

// WithDeviceID sets the device id sent along batch requests.
func WithDeviceID(f func() string) Option {
	return func(p *Processor) { p.deviceID = f }
}

func NewProcessor(store storage.Adapter, remote Remote, conn Connectivity, cfg Config, opts ...Option) *Processor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	p := &Processor{
		store:          store,
		remote:         remote,
		conn:           conn,
		registry:       models.DefaultRegistry(),
		policy:         conflict.DefaultPolicy(),
		guard:          ownership.New(),
		cfg:            cfg,
		log:            logging.NewNop(),
		now:            time.Now,
		deviceID:       func() string { return "" },
		persistBackoff: 20 * time.Millisecond,
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("component", "queue")
	return p
}

func (p *Processor) Config() Config { return p.cfg }

// Prepare fills the defaults of a new item: pending status, attempt budget,
// creation time and, when missing, an idempotency key.
func (p *Processor) Prepare(item *models.QueueItem) error {
	if _, err := p.registry.Lookup(item.Entity, item.Operation); err != nil {
		return err
	}
	now := p.now().UTC()
	if item.IdempotencyKey == "" {
		key, err := models.NewIdempotencyKey(item.Entity, item.Operation, now)
		if err != nil {
			return err
		}
		item.IdempotencyKey = key
	}
	item.Status = models.StatusPending
	item.Attempts = 0
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = p.cfg.MaxAttempts
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	return nil
}

// Enqueue stores a new pending intent.
func (p *Processor) Enqueue(ctx context.Context, item *models.QueueItem) error {
	return p.EnqueueIn(ctx, p.store, item)
}

// EnqueueIn stores a new pending intent through r, so a caller can write
// the local record and the intent in one transaction.
func (p *Processor) EnqueueIn(ctx context.Context, r storage.Repositories, item *models.QueueItem) error {
	if err := p.Prepare(item); err != nil {
		return err
	}
	if err := r.SyncQueue().Enqueue(ctx, item); err != nil {
		return err
	}
	p.log.Debug(ctx, "enqueued", "id", item.ID, "key", item.IdempotencyKey, "entity", item.Entity, "op", item.Operation)
	return nil
}

func (p *Processor) Stats(ctx context.Context) (models.QueueStats, error) {
	return p.store.SyncQueue().Stats(ctx)
}

// Drain replays every eligible item once. It returns with Aborted set,
// and without error, when the monitor reports offline.
func (p *Processor) Drain(ctx context.Context) (DrainResult, error) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	var res DrainResult
	held := map[int64]bool{}
	for {
		if !p.conn.IsOnline() {
			res.Aborted = true
			p.log.Debug(ctx, "drain aborted: offline")
			return res, nil
		}

		heads, skipped, err := p.eligibleHeads(ctx)
		if err != nil {
			return res, err
		}
		for _, id := range skipped {
			held[id] = true
		}
		res.Skipped = len(held)
		if len(heads) == 0 {
			return res, nil
		}

		progressed := false
		for i := 0; i < len(heads); i += p.cfg.BatchSize {
			if !p.conn.IsOnline() {
				res.Aborted = true
				return res, nil
			}
			end := min(i+p.cfg.BatchSize, len(heads))

			var outs []outcome
			if p.cfg.BatchSize > 1 {
				outs, err = p.processBatch(ctx, heads[i:end])
			} else {
				var o outcome
				o, err = p.processOne(ctx, heads[i])
				outs = []outcome{o}
			}
			for _, o := range outs {
				switch o {
				case outcomeSucceeded:
					res.Succeeded++
					progressed = true
				case outcomeRetried:
					res.Retried++
				case outcomeFailed:
					res.Failed++
				case outcomeConflict:
					res.Conflicts++
				case outcomeAborted:
					res.Aborted = true
				}
			}
			if err != nil {
				return res, err
			}
			if res.Aborted {
				return res, ctx.Err()
			}
		}
		// A completed item may unblock the next one for the same record.
		if !progressed {
			return res, nil
		}
	}
}

// eligibleHeads returns, in id order, the first unfinished item of each
// record when it is pending and past its backoff. It also returns the ids of
// the pending items held back.
func (p *Processor) eligibleHeads(ctx context.Context) ([]*models.QueueItem, []int64, error) {
	active, err := p.store.SyncQueue().ListActive(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := p.now()
	seen := make(map[string]bool, len(active))
	var heads []*models.QueueItem
	var skipped []int64
	for _, it := range active {
		key := it.EntityKey()
		if seen[key] {
			if it.Status == models.StatusPending {
				skipped = append(skipped, it.ID)
			}
			continue
		}
		seen[key] = true
		if it.Status != models.StatusPending {
			continue
		}
		if !Eligible(it, now, p.cfg.BaseDelay, p.cfg.MaxDelay) {
			skipped = append(skipped, it.ID)
			continue
		}
		heads = append(heads, it)
	}
	return heads, skipped, nil
}

// claim moves item to processing and returns its fresh copy, or nil when
// another drain got there first.
func (p *Processor) claim(ctx context.Context, item *models.QueueItem) (*models.QueueItem, error) {
	ok, err := p.store.SyncQueue().ClaimPending(ctx, item.ID, p.now().UTC())
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return p.store.SyncQueue().GetByID(ctx, item.ID)
}

func (p *Processor) processOne(ctx context.Context, head *models.QueueItem) (outcome, error) {
	unlock := p.guard.Lock(head.EntityKey())
	defer unlock()

	item, err := p.claim(ctx, head)
	if err != nil || item == nil {
		return outcomeSkipped, err
	}

	if _, err := p.registry.Decode(item); err != nil {
		return p.settle(ctx, item, reply{}, fmt.Errorf("%w: %w", common.ErrRejected, err))
	}

	rctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	resp, err := p.remote.Replay(rctx, models.ReplayRequest{
		Method:         item.Method,
		Endpoint:       item.Endpoint,
		IdempotencyKey: item.IdempotencyKey,
		Payload:        item.Payload,
		Force:          item.Force,
	})
	cancel()

	if err != nil {
		return p.settle(ctx, item, reply{doc: client.ServerCopy(err)}, err)
	}
	if resp.Duplicate {
		p.log.Info(ctx, "replay acknowledged as duplicate", "id", item.ID, "key", item.IdempotencyKey)
	}
	return p.settle(ctx, item, reply{serverID: resp.ServerID, doc: resp.Body}, nil)
}

// reply is what the server answered to one replay: the id it assigned and
// its copy of the record. On a conflict doc is the server copy.
type reply struct {
	serverID string
	doc      json.RawMessage
}

var errNoServerID = errors.New("create acknowledged without a server id")

// settle records the outcome of one replay.
func (p *Processor) settle(ctx context.Context, item *models.QueueItem, rep reply, replayErr error) (outcome, error) {
	if replayErr == nil && item.Operation == models.OperationCreate && rep.serverID == "" {
		replayErr = fmt.Errorf("%w: %w", common.ErrServer, errNoServerID)
	}
	now := p.now()
	kind := common.Classify(replayErr)

	switch {
	case replayErr == nil:
		if err := p.complete(ctx, item, rep, now); err != nil {
			return outcomeSkipped, err
		}
		p.log.Info(ctx, "replayed", "id", item.ID, "entity", item.Entity, "op", item.Operation, "server_id", rep.serverID)
		return outcomeSucceeded, nil

	case kind == common.KindCanceled || ctx.Err() != nil:
		// Left in processing; Reclaim picks it up on the next start.
		return outcomeAborted, nil

	case kind == common.KindConflict:
		next := *item
		if err := next.Transition(models.StatusConflict, now); err != nil {
			return outcomeSkipped, err
		}
		next.Error = replayErr.Error()
		next.ServerData = rep.doc
		strategy := p.policy.For(item.Entity)
		next.Resolution = string(strategy)
		if err := p.persist(ctx, func(ctx context.Context, r storage.Repositories) error {
			return r.SyncQueue().Update(ctx, &next)
		}); err != nil {
			return outcomeSkipped, err
		}
		p.log.Warn(ctx, "replay conflict", "id", item.ID, "entity", item.Entity, "strategy", strategy, "error", replayErr)

		if strategy.Automatic() {
			if _, err := p.resolveLocked(ctx, &next, strategy, nil); err != nil {
				return outcomeConflict, err
			}
		}
		return outcomeConflict, nil

	case kind == common.KindNotFound:
		// The record is gone on the server. The delete that removed it was
		// skipped by sync while this item owned the record.
		next := *item
		next.Attempts++
		if err := next.Transition(models.StatusFailed, now); err != nil {
			return outcomeSkipped, err
		}
		next.Error = replayErr.Error()
		if err := p.persist(ctx, func(ctx context.Context, r storage.Repositories) error {
			if err := r.SyncQueue().Update(ctx, &next); err != nil {
				return err
			}
			if item.Operation == models.OperationDelete {
				return nil
			}
			coll, err := storage.CollectionFor(r, item.Entity)
			if err != nil {
				return err
			}
			return coll.Delete(ctx, []string{item.EntityID})
		}); err != nil {
			return outcomeSkipped, err
		}
		p.log.Error(ctx, "replay target deleted on server", "id", item.ID, "entity", item.Entity, "entity_id", item.EntityID, "error", replayErr)
		return outcomeFailed, nil

	case kind == common.KindRejected || kind == common.KindStorage:
		next := *item
		next.Attempts++
		if err := next.Transition(models.StatusFailed, now); err != nil {
			return outcomeSkipped, err
		}
		next.Error = replayErr.Error()
		if err := p.persist(ctx, func(ctx context.Context, r storage.Repositories) error {
			return r.SyncQueue().Update(ctx, &next)
		}); err != nil {
			return outcomeSkipped, err
		}
		p.log.Error(ctx, "replay rejected", "id", item.ID, "entity", item.Entity, "error", replayErr)
		return outcomeFailed, nil

	default:
		next := *item
		next.Attempts++
		to := models.StatusPending
		if next.Attempts >= next.MaxAttempts {
			to = models.StatusFailed
		}
		if err := next.Transition(to, now); err != nil {
			return outcomeSkipped, err
		}
		if to == models.StatusFailed {
			next.Error = replayErr.Error()
		}
		if err := p.persist(ctx, func(ctx context.Context, r storage.Repositories) error {
			return r.SyncQueue().Update(ctx, &next)
		}); err != nil {
			return outcomeSkipped, err
		}
		if to == models.StatusFailed {
			p.log.Error(ctx, "replay failed permanently", "id", item.ID, "attempts", next.Attempts, "error", replayErr)
			return outcomeFailed, nil
		}
		p.log.Warn(ctx, "replay failed, will retry", "id", item.ID, "attempts", next.Attempts,
			"retry_in", Delay(next.Attempts, p.cfg.BaseDelay, p.cfg.MaxDelay), "error", replayErr)
		return outcomeRetried, nil
	}
}

// complete reconciles the local record and marks item completed in one
// transaction.
func (p *Processor) complete(ctx context.Context, item *models.QueueItem, rep reply, now time.Time) error {
	done := *item
	if err := done.Transition(models.StatusCompleted, now); err != nil {
		return err
	}

	return p.persist(ctx, func(ctx context.Context, r storage.Repositories) error {
		if err := p.reconcile(ctx, r, item, rep, now); err != nil {
			return err
		}
		return r.SyncQueue().Update(ctx, &done)
	})
}

// reconcile brings the local record in line with the server's answer. A
// CREATE re-keys the record and the later items to the server id. When no
// other intent for the record is in flight the server copy replaces the
// local one; otherwise the later items are rebased on the new version.
func (p *Processor) reconcile(ctx context.Context, r storage.Repositories, item *models.QueueItem, rep reply, now time.Time) error {
	if item.Operation == models.OperationDelete {
		return nil
	}
	coll, err := storage.CollectionFor(r, item.Entity)
	if err != nil {
		return err
	}

	id := item.EntityID
	if item.Operation == models.OperationCreate && rep.serverID != item.EntityID {
		id = rep.serverID
		if err := coll.Reconcile(ctx, item.EntityID, id, now); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return err
		}
		if err := p.rebindLater(ctx, r, item, id); err != nil {
			return err
		}
	}

	later, err := p.laterItems(ctx, r, item, id)
	if err != nil {
		return err
	}
	if len(later) > 0 {
		if v := models.DocVersion(rep.doc); v > 0 {
			base := models.PayloadVersion(item)
			for _, l := range later {
				if l.Operation != models.OperationUpdate || models.PayloadVersion(l) != base {
					continue
				}
				if err := p.registry.Rebase(l, v); err != nil {
					return err
				}
				if err := r.SyncQueue().Update(ctx, l); err != nil {
					return err
				}
			}
		}
		// Still has local changes in flight.
		return nil
	}

	if hasID(rep.doc) {
		return coll.Apply(ctx, rep.doc, now)
	}
	err = coll.Reconcile(ctx, id, id, now)
	if errors.Is(err, common.ErrorNotFound) {
		return nil
	}
	return err
}

// rebindLater points the unfinished items queued after a CREATE at the
// server id.
func (p *Processor) rebindLater(ctx context.Context, r storage.Repositories, item *models.QueueItem, serverID string) error {
	later, err := r.SyncQueue().ListByEntity(ctx, item.Entity, item.EntityID)
	if err != nil {
		return err
	}
	for _, l := range later {
		if l.ID == item.ID || l.Status == models.StatusCompleted {
			continue
		}
		if err := p.registry.Rebind(l, serverID); err != nil {
			return err
		}
		if err := r.SyncQueue().Update(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// laterItems lists the unfinished items of the record other than item.
func (p *Processor) laterItems(ctx context.Context, r storage.Repositories, item *models.QueueItem, id string) ([]*models.QueueItem, error) {
	all, err := r.SyncQueue().ListByEntity(ctx, item.Entity, id)
	if err != nil {
		return nil, err
	}
	var out []*models.QueueItem
	for _, it := range all {
		if it.ID != item.ID && it.Status != models.StatusCompleted {
			out = append(out, it)
		}
	}
	return out, nil
}

func hasID(doc json.RawMessage) bool {
	var v struct {
		ID models.FlexibleID `json:"id"`
	}
	if len(doc) == 0 || json.Unmarshal(doc, &v) != nil {
		return false
	}
	return v.ID != ""
}

// persist runs fn in a transaction, retrying storage failures a few times.
// fn must be safe to run again.
func (p *Processor) persist(ctx context.Context, fn func(ctx context.Context, r storage.Repositories) error) error {
	b := retry.WithMaxRetries(3, retry.NewExponential(p.persistBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := p.store.WithTx(ctx, fn)
		if err != nil && errors.Is(err, common.ErrStorage) {
			p.log.Warn(ctx, "queue state write failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}
