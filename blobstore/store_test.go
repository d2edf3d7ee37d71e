package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalRoundTrip(t *testing.T) {
	testStore(t, NewLocal(t.TempDir()))
}

func TestMemoryRoundTrip(t *testing.T) {
	testStore(t, NewMemory())
}

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "archive/1/1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "archive/1/1", []byte("v1")))
	require.NoError(t, s.Put(ctx, "archive/1/2", []byte("v2")))
	require.NoError(t, s.Put(ctx, "archive/2/1", []byte("other")))

	data, err := s.Get(ctx, "archive/1/2")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), data)

	names, err := s.List(ctx, "archive/1/")
	require.NoError(t, err)
	require.Equal(t, []string{"archive/1/1", "archive/1/2"}, names)

	require.NoError(t, s.Delete(ctx, "archive/1/1"))
	require.NoError(t, s.Delete(ctx, "archive/1/1")) // idempotent

	names, err = s.List(ctx, "archive/1/")
	require.NoError(t, err)
	require.Equal(t, []string{"archive/1/2"}, names)

	// Overwrite is atomic replacement.
	require.NoError(t, s.Put(ctx, "archive/1/2", []byte("v2b")))
	data, err = s.Get(ctx, "archive/1/2")
	require.NoError(t, err)
	require.Equal(t, []byte("v2b"), data)
}
