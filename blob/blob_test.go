package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFSRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	key := "segments/c3RyZWFt/0000000000000003"
	require.NoError(t, fs.Put(ctx, key, []byte("hello")))

	got, err := fs.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	// Overwrite wins.
	require.NoError(t, fs.Put(ctx, key, []byte("world")))
	got, err = fs.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got)
}

func TestFSNotFound(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Get(ctx, "segments/missing")
	require.ErrorIs(t, err, ErrNotFound)

	// Delete of a missing key is not an error.
	require.NoError(t, fs.Delete(ctx, "segments/missing"))
}

func TestFSDelete(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.Put(ctx, "a/b", []byte("x")))
	require.NoError(t, fs.Delete(ctx, "a/b"))
	_, err = fs.Get(ctx, "a/b")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFSRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	root := filepath.Join(dir, "store")
	fs, err := NewFS(root)
	require.NoError(t, err)

	require.Error(t, fs.Put(ctx, "../outside", []byte("x")))
	require.Error(t, fs.Put(ctx, "/abs", []byte("x")))
	_, err = fs.Get(ctx, "../outside")
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFSNoTempLeftovers(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs, err := NewFS(root)
	require.NoError(t, err)
	require.NoError(t, fs.Put(ctx, "k", []byte("v")))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "k", entries[0].Name())
}
