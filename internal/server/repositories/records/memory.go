package records

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strconv"

	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/server/models"
)

type memKey struct{ collection, id string }

// MemoryStore is the state behind MemoryRepository. It is not safe for
// concurrent use; the repository manager serializes access.
type MemoryStore struct {
	records map[memKey]models.Record
	version int64
	lastID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[memKey]models.Record)}
}

// Clone returns a copy that can be changed without affecting s.
func (s *MemoryStore) Clone() *MemoryStore {
	return &MemoryStore{records: maps.Clone(s.records), version: s.version, lastID: s.lastID}
}

type MemoryRepository struct {
	s *MemoryStore
}

func NewMemoryRepository(s *MemoryStore) *MemoryRepository {
	return &MemoryRepository{s: s}
}

func (r *MemoryRepository) Get(ctx context.Context, collection, id string) (*models.Record, error) {
	rec, ok := r.s.records[memKey{collection, id}]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &rec, nil
}

func (r *MemoryRepository) Put(ctx context.Context, rec *models.Record) error {
	k := memKey{rec.Collection, rec.ID}
	cp := *rec
	cp.Data = slices.Clone(rec.Data)
	if old, ok := r.s.records[k]; ok {
		cp.CreatedVersion = old.CreatedVersion
	}
	r.s.records[k] = cp
	return nil
}

func (r *MemoryRepository) filter(collections []string, keep func(models.Record) bool) []*models.Record {
	var out []*models.Record
	for k, rec := range r.s.records {
		if len(collections) > 0 && !slices.Contains(collections, k.collection) {
			continue
		}
		if keep(rec) {
			rec := rec
			out = append(out, &rec)
		}
	}
	slices.SortFunc(out, func(a, b *models.Record) int { return cmp.Compare(a.Version, b.Version) })
	return out
}

func (r *MemoryRepository) Changed(ctx context.Context, collections []string, since int64) ([]*models.Record, error) {
	return r.filter(collections, func(rec models.Record) bool { return rec.Version > since }), nil
}

func (r *MemoryRepository) Live(ctx context.Context, collections []string) ([]*models.Record, error) {
	return r.filter(collections, func(rec models.Record) bool { return !rec.Deleted }), nil
}

func (r *MemoryRepository) NextVersion(ctx context.Context) (int64, error) {
	r.s.version++
	return r.s.version, nil
}

func (r *MemoryRepository) CurrentVersion(ctx context.Context) (int64, error) {
	return r.s.version, nil
}

func (r *MemoryRepository) NextID(ctx context.Context) (string, error) {
	r.s.lastID++
	return strconv.FormatInt(r.s.lastID, 10), nil
}
