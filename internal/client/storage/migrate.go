package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/dmitrijs2005/posync/internal/client/models"
)

// Migration steps besides the record collections.
const (
	StepQueue    = "syncQueue"
	StepMetadata = "metadata"
)

// MigrationProgress is persisted in the destination under
// KeyMigrationProgress after every finished step.
type MigrationProgress struct {
	Done      []string `json:"done"`
	Completed bool     `json:"completed"`
}

func (p *MigrationProgress) has(step string) bool {
	return slices.Contains(p.Done, step)
}

// MigrationReport summarizes one Migrate call.
type MigrationReport struct {
	Copied  map[string]int
	Skipped []string
	// AlreadyDone is set when a previous run had completed the migration.
	AlreadyDone bool
}

// MigrationSteps lists the steps in execution order.
func MigrationSteps() []string {
	steps := slices.Clone(models.SyncCollections)
	return append(steps, StepQueue, StepMetadata)
}

// LoadMigrationProgress reads the checkpoint kept in r.
func LoadMigrationProgress(ctx context.Context, r Repositories) (MigrationProgress, error) {
	var p MigrationProgress
	raw, err := r.Metadata().Get(ctx, KeyMigrationProgress)
	if err != nil {
		return p, err
	}
	if raw == nil {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode migration progress: %w", err)
	}
	return p, nil
}

func saveMigrationProgress(ctx context.Context, r Repositories, p MigrationProgress) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.Metadata().Set(ctx, KeyMigrationProgress, b)
}

// Migrate copies everything held by src into dst.
//
// Each step (one collection, the queue, the metadata) is written together
// with the updated progress in a single dst transaction, so an interrupted
// run resumes at the first unfinished step. Writes are keyed upserts and a
// repeated step leaves the destination unchanged.
func Migrate(ctx context.Context, src Repositories, dst Adapter) (MigrationReport, error) {
	rep := MigrationReport{Copied: map[string]int{}}

	progress, err := LoadMigrationProgress(ctx, dst)
	if err != nil {
		return rep, err
	}
	if progress.Completed {
		rep.AlreadyDone = true
		return rep, nil
	}

	for _, step := range MigrationSteps() {
		if progress.has(step) {
			rep.Skipped = append(rep.Skipped, step)
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		next := MigrationProgress{Done: append(slices.Clone(progress.Done), step)}
		if step == StepMetadata {
			next.Completed = true
		}

		var n int
		err := dst.WithTx(ctx, func(ctx context.Context, r Repositories) error {
			var err error
			n, err = migrateStep(ctx, step, src, r)
			if err != nil {
				return err
			}
			return saveMigrationProgress(ctx, r, next)
		})
		if err != nil {
			return rep, fmt.Errorf("migrate %s: %w", step, err)
		}
		rep.Copied[step] = n
		progress = next
	}
	return rep, nil
}

func migrateStep(ctx context.Context, step string, src, dst Repositories) (int, error) {
	switch step {
	case StepQueue:
		return migrateQueue(ctx, src, dst)
	case StepMetadata:
		return migrateMetadata(ctx, src, dst)
	}

	from, ok := Collections(src)[step]
	if !ok {
		return 0, fmt.Errorf("unknown migration step %q", step)
	}
	docs, err := from.Export(ctx)
	if err != nil {
		return 0, err
	}
	if err := Collections(dst)[step].Import(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

func migrateQueue(ctx context.Context, src, dst Repositories) (int, error) {
	n := 0
	for _, st := range []models.QueueStatus{
		models.StatusPending, models.StatusProcessing, models.StatusFailed,
		models.StatusConflict, models.StatusCompleted,
	} {
		items, err := src.SyncQueue().ListByStatus(ctx, st)
		if err != nil {
			return n, err
		}
		for _, it := range items {
			if err := dst.SyncQueue().Put(ctx, it); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func migrateMetadata(ctx context.Context, src, dst Repositories) (int, error) {
	kv, err := src.Metadata().List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for k, v := range kv {
		if k == KeyMigrationProgress {
			continue
		}
		if err := dst.Metadata().Set(ctx, k, v); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// IsEmpty reports whether r holds no records, queue items or metadata.
func IsEmpty(ctx context.Context, r Repositories) (bool, error) {
	for _, c := range models.SyncCollections {
		docs, err := Collections(r)[c].Export(ctx)
		if err != nil {
			return false, err
		}
		if len(docs) > 0 {
			return false, nil
		}
	}
	st, err := r.SyncQueue().Stats(ctx)
	if err != nil {
		return false, err
	}
	if st.Outstanding()+st.Completed > 0 {
		return false, nil
	}
	kv, err := r.Metadata().List(ctx)
	if err != nil {
		return false, err
	}
	return len(kv) == 0, nil
}
