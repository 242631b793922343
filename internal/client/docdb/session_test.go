package docdb

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_CommitAndRead(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	require.NoError(t, b.Commit(ctx, []Op{
		{Collection: "c", ID: "1", Value: []byte(`{"a":1}`)},
		{Collection: "c", ID: "2", Value: []byte(`{"a":2}`)},
		{Collection: "c", ID: "1", Delete: true},
	}))

	_, err := b.Get(ctx, "c", "1")
	require.ErrorIs(t, err, ErrNoDocument)

	all, err := b.All(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"2": []byte(`{"a":2}`)}, all)

	n1, _ := b.NextSequence(ctx, "q")
	n2, _ := b.NextSequence(ctx, "q")
	assert.Equal(t, []int64{1, 2}, []int64{n1, n2})
}

func TestMemoryBackend_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	v := []byte("x")
	require.NoError(t, b.Commit(ctx, []Op{{Collection: "c", ID: "1", Value: v}}))
	v[0] = 'y'

	got, err := b.Get(ctx, "c", "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestStore_WithTx_ReadsOwnWritesAndCommits(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryBackend())

	err := s.WithTx(ctx, func(ctx context.Context, sess Session) error {
		return sess.Update(ctx, func(tx *Tx) error {
			tx.Put("c", "1", []byte("one"))
			tx.Put("c", "2", []byte("two"))
			tx.Delete("c", "2")

			v, err := tx.Get(ctx, "c", "1")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), v)

			_, err = tx.Get(ctx, "c", "2")
			assert.ErrorIs(t, err, ErrNoDocument)

			all, err := tx.All(ctx, "c")
			require.NoError(t, err)
			assert.Len(t, all, 1)
			return nil
		})
	})
	require.NoError(t, err)

	v, err := s.Session().Get(ctx, "c", "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)
}

func TestStore_WithTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryBackend())

	err := s.WithTx(ctx, func(ctx context.Context, sess Session) error {
		_ = sess.Update(ctx, func(tx *Tx) error {
			tx.Put("c", "1", []byte("one"))
			return nil
		})
		return errors.New("boom")
	})
	require.Error(t, err)

	_, err = s.Session().Get(ctx, "c", "1")
	require.ErrorIs(t, err, ErrNoDocument)
}

func TestStore_DirectUpdateCommitsImmediately(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryBackend())

	require.NoError(t, s.Session().Update(ctx, func(tx *Tx) error {
		tx.Put("c", "k", []byte("v"))
		return nil
	}))

	all, err := s.Backend().All(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), all["k"])
}

func TestRedisBackend_RoundTrip(t *testing.T) {
	addr := os.Getenv("POSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POSYNC_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	b, err := NewRedisBackend(ctx, RedisOptions{Addr: addr, Prefix: "posync_test_" + t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.Commit(ctx, []Op{
		{Collection: "c", ID: "1", Value: []byte("one")},
		{Collection: "c", ID: "2", Value: []byte("two")},
	}))
	t.Cleanup(func() {
		_ = b.Commit(ctx, []Op{{Collection: "c", ID: "1", Delete: true}, {Collection: "c", ID: "2", Delete: true}})
	})

	v, err := b.Get(ctx, "c", "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	_, err = b.Get(ctx, "c", "missing")
	require.ErrorIs(t, err, ErrNoDocument)

	all, err := b.All(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
