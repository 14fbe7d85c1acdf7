package store

import (
	"testing"
	"time"

	runitErrors "github.com/harunnryd/runit/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortLockConfig(timeout time.Duration) *FileLockConfig {
	return &FileLockConfig{
		LockTimeout: timeout,
		LockRetry:   10 * time.Millisecond,
	}
}

func TestNewFileLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := NewFileLock(dir, nil)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.True(t, lock.IsLocked())
	assert.GreaterOrEqual(t, lock.HeldDuration(), time.Duration(0))

	lock.Unlock()
	assert.False(t, lock.IsLocked())

	lock.Unlock()
}

func TestSecondProviderIsRejected(t *testing.T) {
	dir := t.TempDir()

	first, err := NewFileLock(dir, shortLockConfig(time.Second))
	require.NoError(t, err)
	defer first.Unlock()

	start := time.Now()
	_, err = NewFileLock(dir, shortLockConfig(100*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, runitErrors.ErrConflict)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLockReacquiredAfterUnlock(t *testing.T) {
	dir := t.TempDir()

	first, err := NewFileLock(dir, shortLockConfig(time.Second))
	require.NoError(t, err)
	first.Unlock()

	second, err := NewFileLock(dir, shortLockConfig(time.Second))
	require.NoError(t, err)
	second.Unlock()
}

func TestNewFileLockCreatesStateDir(t *testing.T) {
	dir := t.TempDir() + "/nested/state"

	lock, err := NewFileLock(dir, shortLockConfig(time.Second))
	require.NoError(t, err)
	lock.Unlock()
}
