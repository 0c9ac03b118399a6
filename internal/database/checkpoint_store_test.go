package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointMissingFileIsEmpty(t *testing.T) {
	store := NewFileCheckpointStore(filepath.Join(t.TempDir(), "state.yaml"))

	id, err := store.Get(context.Background(), "news", "club1", "wall")
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
}

func TestCheckpointSetThenGet(t *testing.T) {
	ctx := context.Background()
	store := NewFileCheckpointStore(filepath.Join(t.TempDir(), "nested", "state.yaml"))

	require.NoError(t, store.Set(ctx, "news", "club1", "wall", 41))
	require.NoError(t, store.Set(ctx, "news", "club1", "donut", 7))
	require.NoError(t, store.Set(ctx, "news", "club1", "wall", 42))

	wall, err := store.Get(ctx, "news", "club1", "wall")
	require.NoError(t, err)
	donut, err := store.Get(ctx, "news", "club1", "donut")
	require.NoError(t, err)
	assert.Equal(t, int64(42), wall)
	assert.Equal(t, int64(7), donut)
}

func TestCheckpointUnparsableFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":::not yaml[[["), 0o644))
	store := NewFileCheckpointStore(path)

	id, err := store.Get(context.Background(), "news", "club1", "wall")
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)

	require.NoError(t, store.Set(context.Background(), "news", "club1", "wall", 5))
	id, err = store.Get(context.Background(), "news", "club1", "wall")
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)
}

func TestCheckpointPreservesExternalEdits(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.yaml")
	store := NewFileCheckpointStore(path)
	require.NoError(t, store.Set(ctx, "a", "club1", "wall", 1))

	// Another binding written by hand between two advances.
	external := "a:\n  club1:\n    wall: 1\nb:\n  club2:\n    donut: 99\n"
	require.NoError(t, os.WriteFile(path, []byte(external), 0o644))

	require.NoError(t, store.Set(ctx, "a", "club1", "wall", 2))

	id, err := store.Get(ctx, "b", "club2", "donut")
	require.NoError(t, err)
	assert.Equal(t, int64(99), id)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
