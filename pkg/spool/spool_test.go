package spool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetContainsDelete(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	id := uuid.New()
	assert.False(t, s.Contains(id))

	require.NoError(t, s.Put(id, []byte("GIBBERISH")))
	assert.True(t, s.Contains(id))

	body, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("GIBBERISH"), body)

	require.NoError(t, s.Delete(id))
	assert.False(t, s.Contains(id))
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	id := uuid.New()
	assert.NoError(t, s.Delete(id))
	assert.NoError(t, s.Delete(id))
}

func TestIterPendingSnapshotsDirectory(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, s.Put(ids[i], []byte("x")))
	}

	pending, err := s.IterPending()
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	// Deleting after the snapshot was taken doesn't retroactively shrink it.
	require.NoError(t, s.Delete(ids[0]))
	assert.Len(t, pending, 3)

	fresh, err := s.IterPending()
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
}

func TestIterPendingIgnoresStrayTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	// Simulate a crash between CreateTemp and Rename.
	require.NoError(t, os.WriteFile(filepath.Join(dir, uuid.New().String()+".tmp-abc123"), []byte("partial"), 0o644))

	pending, err := s.IterPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPutIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.Put(id, []byte("result-bytes")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id.String(), entries[0].Name())
}
