package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acphast/acphast/pkg/acp"
)

func newRepo(t *testing.T, cfg MemoryConfig) *MemoryRepository {
	t.Helper()
	r := NewMemoryRepository(cfg)
	t.Cleanup(r.Close)
	return r
}

func TestMemoryCreateAndGet(t *testing.T) {
	r := newRepo(t, MemoryConfig{})
	ctx := context.Background()

	created, err := r.Create(ctx, &Session{Cwd: "/work"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/work", got.Cwd)

	missing, err := r.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	r := newRepo(t, MemoryConfig{})
	ctx := context.Background()

	created, err := r.Create(ctx, &Session{Cwd: "/a"})
	require.NoError(t, err)

	got, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	got.Cwd = "/mutated"

	again, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "/a", again.Cwd)
}

func TestMemoryUpdate(t *testing.T) {
	r := newRepo(t, MemoryConfig{})
	ctx := context.Background()

	created, err := r.Create(ctx, &Session{Cwd: "/a"})
	require.NoError(t, err)

	turn := Turn{
		Request: &acp.Request{Method: "acp/session/prompt"},
		At:      time.Now(),
	}
	updated, err := r.Update(ctx, created.ID, &Session{
		ID:      "attempted-rename",
		History: []Turn{turn},
	})
	require.NoError(t, err)
	// The stored id wins over the partial's.
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "/a", updated.Cwd)
	require.Len(t, updated.History, 1)

	_, err = r.Update(ctx, "missing", &Session{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	r := newRepo(t, MemoryConfig{})
	ctx := context.Background()

	created, err := r.Create(ctx, &Session{})
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, created.ID))
	require.NoError(t, r.Delete(ctx, created.ID))

	got, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryTTLExpiry(t *testing.T) {
	r := newRepo(t, MemoryConfig{TTL: 50 * time.Millisecond, CleanupInterval: time.Hour})
	ctx := context.Background()

	created, err := r.Create(ctx, &Session{})
	require.NoError(t, err)

	got, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	time.Sleep(80 * time.Millisecond)

	got, err = r.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = r.Update(ctx, created.ID, &Session{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAccessRefreshesTTL(t *testing.T) {
	r := newRepo(t, MemoryConfig{TTL: 100 * time.Millisecond, CleanupInterval: time.Hour})
	ctx := context.Background()

	created, err := r.Create(ctx, &Session{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		time.Sleep(60 * time.Millisecond)
		got, err := r.Get(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, got, "session expired despite being touched")
	}
}

func TestMemoryCapacityEviction(t *testing.T) {
	r := newRepo(t, MemoryConfig{MaxSessions: 2})
	ctx := context.Background()

	first, err := r.Create(ctx, &Session{Cwd: "/1"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := r.Create(ctx, &Session{Cwd: "/2"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	// Touch the first so the second becomes the eviction candidate.
	_, err = r.Get(ctx, first.ID)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	_, err = r.Create(ctx, &Session{Cwd: "/3"})
	require.NoError(t, err)

	stats, err := r.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)

	gone, err := r.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := r.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestMemoryListAndFind(t *testing.T) {
	r := newRepo(t, MemoryConfig{})
	ctx := context.Background()

	a, err := r.Create(ctx, &Session{Cwd: "/a"})
	require.NoError(t, err)
	_, err = r.Create(ctx, &Session{Cwd: "/b"})
	require.NoError(t, err)

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byCwd, err := r.Find(ctx, Filter{Cwd: "/a"})
	require.NoError(t, err)
	require.Len(t, byCwd, 1)
	assert.Equal(t, a.ID, byCwd[0].ID)

	byID, err := r.Find(ctx, Filter{ID: a.ID})
	require.NoError(t, err)
	assert.Len(t, byID, 1)

	none, err := r.Find(ctx, Filter{ID: a.ID, Cwd: "/b"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryClearAndStats(t *testing.T) {
	r := newRepo(t, MemoryConfig{MaxSessions: 5, TTL: time.Minute, CleanupInterval: time.Hour})
	ctx := context.Background()

	_, err := r.Create(ctx, &Session{})
	require.NoError(t, err)

	stats, err := r.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 5, stats.MaxSessions)
	assert.Equal(t, time.Minute, stats.TTL)

	require.NoError(t, r.Clear(ctx))
	stats, err = r.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)
}
