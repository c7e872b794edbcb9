package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock_SecondAcquireFailsFast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p1.lock")

	l1, err := acquireLock(path)
	require.NoError(t, err)
	defer l1.release()

	_, err = acquireLock(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAcquireLock_ReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p1.lock")

	l1, err := acquireLock(path)
	require.NoError(t, err)
	require.NoError(t, l1.release())

	l2, err := acquireLock(path)
	require.NoError(t, err)
	assert.NoError(t, l2.release())
}
