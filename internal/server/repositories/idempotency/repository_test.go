package idempotency

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/server/models"
)

func TestPostgres_SaveAndGet(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(db)
	ctx := context.Background()
	ts := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO idempotency_keys .* ON CONFLICT \(key\) DO NOTHING`).
		WithArgs("k1", 201, sql.NullString{String: `{"id":"1"}`, Valid: true}, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT key, status_code, body, created_at FROM idempotency_keys WHERE key = \$1`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"key", "status_code", "body", "created_at"}).AddRow("k1", 201, `{"id":"1"}`, ts))
	mock.ExpectQuery(`SELECT .* FROM idempotency_keys`).
		WithArgs("k2").
		WillReturnError(sql.ErrNoRows)

	require.NoError(t, repo.Save(ctx, &models.IdempotencyEntry{Key: "k1", StatusCode: 201, Body: []byte(`{"id":"1"}`), CreatedAt: ts}))

	e, err := repo.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 201, e.StatusCode)
	assert.JSONEq(t, `{"id":"1"}`, string(e.Body))

	_, err = repo.Get(ctx, "k2")
	assert.ErrorIs(t, err, common.ErrorNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemory_FirstAnswerWins(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(NewMemoryStore())

	require.NoError(t, repo.Save(ctx, &models.IdempotencyEntry{Key: "k", StatusCode: 201}))
	require.NoError(t, repo.Save(ctx, &models.IdempotencyEntry{Key: "k", StatusCode: 500}))

	e, err := repo.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 201, e.StatusCode)
}
