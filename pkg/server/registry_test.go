package server

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/canvasd/pkg/document"
	"github.com/astromechza/canvasd/pkg/store"
)

// countingStore wraps a store and counts Load calls.
type countingStore struct {
	store.Store
	loads atomic.Int64
}

func (c *countingStore) Load(id string) (*document.Document, error) {
	c.loads.Add(1)
	return c.Store.Load(id)
}

func testCanonicalStore(t *testing.T) *store.Canonical {
	t.Helper()
	c, err := store.NewCanonical(t.TempDir())
	require.NoError(t, err)
	return c
}

func TestRegistry_ConcurrentFirstAccessLoadsOnce(t *testing.T) {
	base := testCanonicalStore(t)
	_, err := base.Create("doc", "Concurrent")
	require.NoError(t, err)
	counting := &countingStore{Store: base}
	registry := NewRegistry(counting, time.Hour)

	var wg sync.WaitGroup
	rooms := make([]*Room, 16)
	for i := 0; i < len(rooms); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := registry.GetOrCreate("doc")
			assert.NoError(t, err)
			rooms[i] = room
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, counting.loads.Load(), "only one load for concurrent first access")
	for _, r := range rooms[1:] {
		assert.Same(t, rooms[0], r, "all callers get the same room")
	}
}

func TestRegistry_GetOrCreateNotFound(t *testing.T) {
	registry := NewRegistry(testCanonicalStore(t), time.Hour)
	_, err := registry.GetOrCreate("missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, registry.Len())
}

func TestRegistry_FailedCreateIsNotCached(t *testing.T) {
	base := testCanonicalStore(t)
	registry := NewRegistry(base, time.Hour)

	_, err := registry.GetOrCreate("late")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = base.Create("late", "Late arrival")
	require.NoError(t, err)
	room, err := registry.GetOrCreate("late")
	require.NoError(t, err)
	assert.Equal(t, "late", room.ID)
}

func TestRegistry_DeleteRemovesRoomAndFiles(t *testing.T) {
	base := testCanonicalStore(t)
	_, err := base.Create("doomed", "Doomed")
	require.NoError(t, err)
	registry := NewRegistry(base, time.Hour)

	_, err = registry.GetOrCreate("doomed")
	require.NoError(t, err)
	require.Equal(t, 1, registry.Len())

	deleted, err := registry.Delete("doomed")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Zero(t, registry.Len())

	_, err = registry.GetOrCreate("doomed")
	require.ErrorIs(t, err, store.ErrNotFound)

	deleted, err = registry.Delete("doomed")
	require.NoError(t, err)
	assert.False(t, deleted, "deleting a nonexistent document reports false")
}

func TestRegistry_ListActive(t *testing.T) {
	base := testCanonicalStore(t)
	_, err := base.Create("a", "A")
	require.NoError(t, err)
	registry := NewRegistry(base, time.Hour)
	_, err = registry.GetOrCreate("a")
	require.NoError(t, err)

	active := registry.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].DocID)
	assert.Zero(t, active[0].SessionCount)
}
