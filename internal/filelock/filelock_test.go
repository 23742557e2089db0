//go:build unix

package filelock

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockConflicts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "state.lock")

	first, err := Acquire(path)
	require.NoError(t, err)
	assert.Equal(t, path, first.Path())

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts as well
	_, err = TryLock(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := TryLock(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}
