package link

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockExcludesSecondInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".paxect_link.lock")

	first, err := AcquireLock(path)
	require.NoError(t, err)

	_, err = AcquireLock(path)
	assert.ErrorIs(t, err, ErrLockHeld)

	first.Release()
	assert.NoFileExists(t, path)

	// After release the lock is free again
	second, err := AcquireLock(path)
	require.NoError(t, err)
	second.Release()
}

func TestLockRecordsPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".paxect_link.lock")
	l, err := AcquireLock(path)
	require.NoError(t, err)
	defer l.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
