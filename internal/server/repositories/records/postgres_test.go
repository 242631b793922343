package records

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock
}

var columns = []string{"collection", "id", "data", "version", "created_version", "deleted", "updated_at"}

func TestGet(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM records WHERE collection = \$1 AND id = \$2`).
		WithArgs("parties", "7").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("parties", "7", []byte(`{"id":"7"}`), int64(3), int64(1), false, ts))

	rec, err := repo.Get(context.Background(), "parties", "7")
	require.NoError(t, err)
	assert.Equal(t, &models.Record{
		Collection: "parties", ID: "7", Data: []byte(`{"id":"7"}`),
		Version: 3, CreatedVersion: 1, UpdatedAt: ts,
	}, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`SELECT .* FROM records`).WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "parties", "x")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestPut(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	q := regexp.MustCompile(`INSERT INTO records .* ON CONFLICT \(collection, id\)\s+DO UPDATE SET`)
	mock.ExpectExec(q.String()).
		WithArgs("sales", "9", `{"id":"9"}`, int64(4), int64(4), false, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Put(context.Background(), &models.Record{
		Collection: "sales", ID: "9", Data: []byte(`{"id":"9"}`), Version: 4, CreatedVersion: 4, UpdatedAt: ts,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPut_DBError(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`INSERT INTO records`).WillReturnError(errors.New("boom"))

	err := repo.Put(context.Background(), &models.Record{Collection: "sales", ID: "9"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db error")
}

func TestChanged_FiltersCollections(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	ts := time.Now().UTC()

	mock.ExpectQuery(`WHERE version > \$1 AND collection IN \(\$2, \$3\) ORDER BY version`).
		WithArgs(int64(5), "products", "parties").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("products", "1", []byte(`{}`), int64(6), int64(2), false, ts).
			AddRow("parties", "2", []byte(`{}`), int64(7), int64(7), true, ts))

	recs, err := repo.Changed(context.Background(), []string{"products", "parties"}, 5)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[1].Deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLive_AllCollections(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`WHERE NOT deleted ORDER BY version`).
		WithoutArgs().
		WillReturnRows(sqlmock.NewRows(columns))

	recs, err := repo.Live(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, recs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCounters(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	ctx := context.Background()

	mock.ExpectQuery(`UPDATE sync_state SET version = version \+ 1 WHERE id = 1 RETURNING version`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(12)))
	mock.ExpectQuery(`SELECT version FROM sync_state`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(12)))
	mock.ExpectQuery(`SELECT nextval\('record_ids'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(42)))

	v, err := repo.NextVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)

	v, err = repo.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)

	id, err := repo.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	require.NoError(t, mock.ExpectationsWereMet())
}
