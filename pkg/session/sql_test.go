package session

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLRepo(t *testing.T, maxSessions int, ttl time.Duration) *SQLRepository {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("sqlite unavailable: %v", err)
	}

	r, err := NewSQLRepository(db, "sqlite", maxSessions, ttl)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSQLDialectValidation(t *testing.T) {
	_, err := NewSQLRepository(nil, "sqlite", 0, 0)
	require.Error(t, err)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer db.Close()
	_, err = NewSQLRepository(db, "oracle", 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported dialect")
}

func TestSQLCrud(t *testing.T) {
	r := newSQLRepo(t, 10, 0)
	ctx := context.Background()

	created, err := r.Create(ctx, &Session{
		Cwd:      "/work",
		Metadata: map[string]interface{}{"client": "test"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/work", got.Cwd)
	assert.Equal(t, "test", got.Metadata["client"])

	updated, err := r.Update(ctx, created.ID, &Session{Cwd: "/elsewhere"})
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere", updated.Cwd)

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	byCwd, err := r.Find(ctx, Filter{Cwd: "/elsewhere"})
	require.NoError(t, err)
	assert.Len(t, byCwd, 1)

	require.NoError(t, r.Delete(ctx, created.ID))
	gone, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	_, err = r.Update(ctx, created.ID, &Session{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLCapacityEviction(t *testing.T) {
	r := newSQLRepo(t, 2, 0)
	ctx := context.Background()

	first, err := r.Create(ctx, &Session{Cwd: "/1"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = r.Create(ctx, &Session{Cwd: "/2"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = r.Create(ctx, &Session{Cwd: "/3"})
	require.NoError(t, err)

	stats, err := r.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)

	// The oldest by last access is gone.
	gone, err := r.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSQLRemoveExpired(t *testing.T) {
	r := newSQLRepo(t, 10, 30*time.Millisecond)
	ctx := context.Background()

	created, err := r.Create(ctx, &Session{})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, r.RemoveExpired(ctx))

	stats, err := r.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)

	gone, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}
