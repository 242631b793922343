// Package services implements the reference sync server: device
// registration, snapshot and delta pulls, and idempotent replay of the
// writes queued by the tills.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/logging"
	"github.com/dmitrijs2005/posync/internal/server/auth"
	"github.com/dmitrijs2005/posync/internal/server/models"
	"github.com/dmitrijs2005/posync/internal/server/repositories/repomanager"
)

type Service struct {
	rm            repomanager.RepositoryManager
	secretKey     []byte
	tokenValidity time.Duration
	logger        logging.Logger
	now           func() time.Time
}

type Option func(*Service)

// WithTokens makes Register issue device tokens signed with secret.
func WithTokens(secret []byte, validity time.Duration) Option {
	return func(s *Service) {
		s.secretKey = secret
		s.tokenValidity = validity
	}
}

func WithLogger(l logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(rm repomanager.RepositoryManager, opts ...Option) *Service {
	s := &Service{rm: rm, logger: logging.NewNop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register records the device and, when tokens are enabled, issues one.
func (s *Service) Register(ctx context.Context, info DeviceInfo) (*RegisterResult, error) {
	if info.DeviceID == "" {
		return nil, validationError("deviceId is required")
	}

	var created bool
	err := s.rm.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		var err error
		created, err = r.Devices().Upsert(ctx, &models.Device{
			ID:         info.DeviceID,
			Name:       info.Name,
			Platform:   info.Platform,
			AppVersion: info.AppVersion,
			LastSeenAt: s.now().UTC(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &RegisterResult{DeviceID: info.DeviceID, Created: created}
	if len(s.secretKey) > 0 {
		res.Token, err = auth.GenerateToken(info.DeviceID, s.secretKey, s.tokenValidity)
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
	}
	s.logger.Info(ctx, "device registered", "device", info.DeviceID, "created", created)
	return res, nil
}

func checkCollections(collections []string) ([]string, error) {
	if len(collections) == 0 {
		return slices.Clone(Collections), nil
	}
	for _, c := range collections {
		if !slices.Contains(Collections, c) {
			return nil, validationError("unknown entity %q", c)
		}
	}
	return collections, nil
}

func newSyncResponse(collections []string, version int64) *SyncResponse {
	resp := &SyncResponse{
		Changes:    make(map[string]*ChangeSet, len(collections)),
		Checkpoint: strconv.FormatInt(version, 10),
	}
	for _, c := range collections {
		resp.Changes[c] = &ChangeSet{Added: []json.RawMessage{}, Updated: []json.RawMessage{}, Deleted: []string{}}
	}
	return resp
}

// Full returns every live record of the collections, all of them when none
// are named.
func (s *Service) Full(ctx context.Context, collections []string) (*SyncResponse, error) {
	collections, err := checkCollections(collections)
	if err != nil {
		return nil, err
	}

	var resp *SyncResponse
	err = s.rm.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		v, err := r.Records().CurrentVersion(ctx)
		if err != nil {
			return err
		}
		recs, err := r.Records().Live(ctx, collections)
		if err != nil {
			return err
		}
		resp = newSyncResponse(collections, v)
		for _, rec := range recs {
			cs := resp.Changes[rec.Collection]
			cs.Added = append(cs.Added, rec.Data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	resp.Full = true
	return resp, nil
}

// Changes returns what happened to the collections after checkpoint since.
// A record created and deleted within the window is left out.
func (s *Service) Changes(ctx context.Context, since string, collections []string) (*SyncResponse, error) {
	collections, err := checkCollections(collections)
	if err != nil {
		return nil, err
	}
	from, err := strconv.ParseInt(since, 10, 64)
	if err != nil || from < 0 {
		return nil, ErrCheckpointInvalid
	}

	var resp *SyncResponse
	err = s.rm.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		v, err := r.Records().CurrentVersion(ctx)
		if err != nil {
			return err
		}
		if from > v {
			return ErrCheckpointInvalid
		}
		recs, err := r.Records().Changed(ctx, collections, from)
		if err != nil {
			return err
		}
		resp = newSyncResponse(collections, v)
		for _, rec := range recs {
			cs := resp.Changes[rec.Collection]
			switch {
			case rec.Deleted && rec.CreatedVersion > from:
			case rec.Deleted:
				cs.Deleted = append(cs.Deleted, rec.ID)
			case rec.CreatedVersion > from:
				cs.Added = append(cs.Added, rec.Data)
			default:
				cs.Updated = append(cs.Updated, rec.Data)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Apply performs w once per idempotency key. A repeated key gets the stored
// answer back with Replayed set and changes nothing. Failed writes are not
// remembered, so a forced retry under the same key is applied.
func (s *Service) Apply(ctx context.Context, w Write) (*Outcome, error) {
	if !slices.Contains(Collections, w.Collection) {
		return nil, validationError("unknown collection %q", w.Collection)
	}

	var out *Outcome
	err := s.rm.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		if w.Key != "" {
			if err := r.LockKey(ctx, w.Key); err != nil {
				return err
			}
			e, err := r.Idempotency().Get(ctx, w.Key)
			switch {
			case err == nil:
				out, err = outcomeFromBody(e.StatusCode, e.Body)
				return err
			case !errors.Is(err, common.ErrorNotFound):
				return err
			}
		}

		var err error
		out, err = s.apply(ctx, r, w)
		if err != nil || w.Key == "" {
			return err
		}
		body, err := out.Body()
		if err != nil {
			return err
		}
		return r.Idempotency().Save(ctx, &models.IdempotencyEntry{
			Key:        w.Key,
			StatusCode: out.Status,
			Body:       body,
			CreatedAt:  s.now().UTC(),
		})
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) && se.Code == CodeConflict {
			s.logger.Info(ctx, "write conflict", "collection", w.Collection, "id", w.ID, "device", w.DeviceID)
		}
		return nil, err
	}
	if out.Replayed {
		s.logger.Debug(ctx, "write replayed", "key", w.Key, "status", out.Status)
	}
	return out, nil
}

func (s *Service) apply(ctx context.Context, r repomanager.Repositories, w Write) (*Outcome, error) {
	switch w.Action {
	case ActionCreate:
		return s.create(ctx, r, w)
	case ActionUpdate:
		return s.update(ctx, r, w)
	case ActionDelete:
		return s.delete(ctx, r, w)
	}
	return nil, validationError("unknown action %q", w.Action)
}

func (s *Service) create(ctx context.Context, r repomanager.Repositories, w Write) (*Outcome, error) {
	doc, err := decodeDocument(w.Data)
	if err != nil {
		return nil, err
	}
	id, err := r.Records().NextID(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.store(ctx, r, w.Collection, id, doc, w.Data, nil)
	if err != nil {
		return nil, err
	}
	return &Outcome{Status: http.StatusCreated, ID: id, Data: rec.Data}, nil
}

func (s *Service) update(ctx context.Context, r repomanager.Repositories, w Write) (*Outcome, error) {
	if w.ID == "" {
		return nil, validationError("update needs an id")
	}
	doc, err := decodeDocument(w.Data)
	if err != nil {
		return nil, err
	}
	existing, err := r.Records().Get(ctx, w.Collection, w.ID)
	if errors.Is(err, common.ErrorNotFound) || (err == nil && existing.Deleted) {
		return nil, notFoundError(w.Collection, w.ID)
	}
	if err != nil {
		return nil, err
	}
	if !w.Force {
		if seen := baseVersion(w.Data); seen > 0 && existing.Version > seen {
			return nil, conflictError(existing.Data)
		}
	}

	rec, err := s.store(ctx, r, w.Collection, w.ID, doc, w.Data, existing)
	if err != nil {
		return nil, err
	}
	return &Outcome{Status: http.StatusOK, ID: w.ID, Data: rec.Data}, nil
}

func (s *Service) delete(ctx context.Context, r repomanager.Repositories, w Write) (*Outcome, error) {
	if w.ID == "" {
		return nil, validationError("delete needs an id")
	}
	out := &Outcome{Status: http.StatusNoContent, ID: w.ID}

	existing, err := r.Records().Get(ctx, w.Collection, w.ID)
	if errors.Is(err, common.ErrorNotFound) || (err == nil && existing.Deleted) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	before, err := stockDeltas(w.Collection, existing.Data)
	if err != nil {
		return nil, err
	}
	v, err := r.Records().NextVersion(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.moveStock(ctx, r, v, now, before, nil); err != nil {
		return nil, err
	}
	tomb := *existing
	tomb.Version, tomb.Deleted, tomb.UpdatedAt = v, true, now
	if err := r.Records().Put(ctx, &tomb); err != nil {
		return nil, err
	}
	return out, nil
}

// store writes doc as the new state of (collection, id) under a fresh
// version together with the stock movements it causes.
func (s *Service) store(ctx context.Context, r repomanager.Repositories, collection, id string, doc document, raw json.RawMessage, existing *models.Record) (*models.Record, error) {
	if collection == CollectionSales {
		if err := normalizeSale(doc, raw, id); err != nil {
			return nil, err
		}
	}
	after, err := stockDeltas(collection, raw)
	if err != nil {
		return nil, err
	}
	before := map[string]int64{}
	if existing != nil {
		if before, err = stockDeltas(collection, existing.Data); err != nil {
			return nil, err
		}
	}

	v, err := r.Records().NextVersion(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.moveStock(ctx, r, v, now, before, after); err != nil {
		return nil, err
	}

	tempID := stringField(raw, "tempId")
	if existing != nil {
		tempID = stringField(existing.Data, "tempId")
	}
	doc.prepare(id, v, tempID, now)
	data, err := doc.encode()
	if err != nil {
		return nil, err
	}
	rec := &models.Record{Collection: collection, ID: id, Data: data, Version: v, CreatedVersion: v, UpdatedAt: now}
	if err := r.Records().Put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// moveStock adds after minus before to the stock of each product.
func (s *Service) moveStock(ctx context.Context, r repomanager.Repositories, v int64, now time.Time, before, after map[string]int64) error {
	if after == nil {
		after = map[string]int64{}
	}
	ids, net := netDeltas(before, after)
	for _, pid := range ids {
		p, err := r.Records().Get(ctx, CollectionProducts, pid)
		if errors.Is(err, common.ErrorNotFound) || (err == nil && p.Deleted) {
			return unprocessableError("unknown product %s", pid)
		}
		if err != nil {
			return err
		}
		doc, err := decodeDocument(p.Data)
		if err != nil {
			return err
		}
		doc["stock"] = doc.int64Field("stock") + net[pid]
		doc["version"] = v
		doc["updatedAt"] = now.Format(time.RFC3339Nano)
		if p.Data, err = doc.encode(); err != nil {
			return err
		}
		p.Version, p.UpdatedAt = v, now
		if err := r.Records().Put(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Batch applies each operation in its own unit of work and reports them in
// request order.
func (s *Service) Batch(ctx context.Context, req BatchRequest) *BatchResponse {
	resp := &BatchResponse{Results: make([]BatchResult, 0, len(req.Operations))}
	for _, op := range req.Operations {
		res := BatchResult{IdempotencyKey: op.IdempotencyKey}

		collection, ok := CollectionForEntity(op.Entity)
		if !ok {
			res.Status, res.Error = BatchError, fmt.Sprintf("unknown entity %q", op.Entity)
			resp.Results = append(resp.Results, res)
			continue
		}

		out, err := s.Apply(ctx, Write{
			Key:        op.IdempotencyKey,
			DeviceID:   req.DeviceID,
			Collection: collection,
			Action:     op.Action,
			ID:         op.EntityID,
			Data:       op.Data,
			Force:      op.Force,
		})
		var se *Error
		switch {
		case err == nil:
			res.Status, res.ID, res.Data = batchStatus(op.Action), out.ID, out.Data
		case errors.As(err, &se) && se.Code == CodeConflict:
			res.Status, res.Error, res.Data = BatchConflict, se.Message, se.Data
		case errors.As(err, &se):
			res.Status, res.Code, res.Error = BatchError, se.Code, se.Message
		default:
			res.Status, res.Error = BatchError, err.Error()
		}
		resp.Results = append(resp.Results, res)
	}
	return resp
}

func batchStatus(a Action) string {
	switch a {
	case ActionCreate:
		return BatchCreated
	case ActionDelete:
		return BatchDeleted
	}
	return BatchUpdated
}
