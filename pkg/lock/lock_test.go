package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, lockFileName))
	assert.FileExists(t, filepath.Join(dir, pidFileName))

	require.NoError(t, l.Release())
	assert.NoFileExists(t, filepath.Join(dir, lockFileName))
	assert.NoFileExists(t, filepath.Join(dir, pidFileName))
}

func TestAcquireFailsWhileHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	require.NoError(t, err)
	defer l.Release()

	_, err = Acquire(dir)
	assert.ErrorIs(t, err, ErrHeld)
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()

	// Simulate a crashed owner: a lock file naming a PID that cannot be
	// alive (huge PID well past any real process table).
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockFileName), []byte("999999999\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, pidFileName), []byte("999999999"), 0o644))

	l, err := Acquire(dir)
	require.NoError(t, err)
	defer l.Release()

	data, err := os.ReadFile(filepath.Join(dir, pidFileName))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), mustAtoi(t, string(data)))
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			continue
		}
		n = n*10 + int(c-'0')
	}
	return n
}
