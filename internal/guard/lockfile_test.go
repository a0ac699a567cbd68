package guard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T, rec *eventRecorder, mutate func(*LockConfig)) *LockFile {
	t.Helper()
	cfg := LockConfig{
		Log:      testLogger(),
		Resource: "test-resource",
		Path:     filepath.Join(t.TempDir(), "test.lock"),
		Retry: RetryPolicy{
			StartDelay:    10 * time.Millisecond,
			DelayIncrease: 10 * time.Millisecond,
			MaxDelay:      50 * time.Millisecond,
		},
		UsePid: true,
	}
	if rec != nil {
		cfg.Events = rec.sink
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewLockFile(cfg)
}

func TestLockAcquireReleaseRoundTrip(t *testing.T) {
	rec := &eventRecorder{}
	l := newTestLock(t, rec, nil)

	handle, err := l.Acquire(context.Background())
	require.NoError(t, err)

	marker, err := readMarker(l.path)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, os.Getpid(), marker.pid)
	assert.True(t, handle.createdAt.Equal(marker.createdAt))

	require.NoError(t, handle.Release())
	assert.NoFileExists(t, l.path)

	ev, found := rec.find(EventLockAcquired)
	require.True(t, found)
	assert.Equal(t, l.path, ev.Path)
	assert.Equal(t, os.Getpid(), ev.Pid)
}

func TestLockHeldByLiveOwnerTimesOut(t *testing.T) {
	rec := &eventRecorder{}
	holder := newTestLock(t, nil, nil)
	handle, err := holder.Acquire(context.Background())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, handle.Release())
	}()

	contender := newTestLock(t, rec, func(cfg *LockConfig) {
		cfg.Path = holder.path
	})

	const timeout = 250 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	_, err = contender.Acquire(ctx)
	elapsed := time.Since(start)

	var timeoutErr *LockTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, os.Getpid(), timeoutErr.HolderPid)
	assert.GreaterOrEqual(t, elapsed, timeout)

	// The live owner's marker must never be touched.
	marker, err := readMarker(holder.path)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.True(t, handle.createdAt.Equal(marker.createdAt))

	_, found := rec.find(EventLockTimedOut)
	assert.True(t, found)
}

func TestLockStaleDeadOwnerTakenOver(t *testing.T) {
	const deadPid = 4242
	rec := &eventRecorder{}
	l := newTestLock(t, rec, func(cfg *LockConfig) {
		cfg.Probe = stubProbe(deadPid)
	})
	writeTestMarker(t, l.path, deadPid, time.Now().Add(-10*time.Minute))

	handle, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, handle.Release())
	}()

	assert.Equal(t, os.Getpid(), handle.holderPid)
	ev, found := rec.find(EventLockStaleTakeover)
	require.True(t, found)
	assert.Equal(t, deadPid, ev.StalePid)
}

func TestLockStaleByAgeTakenOver(t *testing.T) {
	rec := &eventRecorder{}
	l := newTestLock(t, rec, func(cfg *LockConfig) {
		cfg.UsePid = false
		cfg.Retry.MaxAge = 100 * time.Millisecond
	})
	writeTestMarker(t, l.path, 4242, time.Now().Add(-time.Hour))

	handle, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, handle.Release())

	_, found := rec.find(EventLockStaleTakeover)
	assert.True(t, found)
}

func TestLockNoRecoveryWithoutPidAndMaxAge(t *testing.T) {
	// With UsePid disabled and no MaxAge a left-behind lock is never
	// recovered automatically.
	l := newTestLock(t, nil, func(cfg *LockConfig) {
		cfg.UsePid = false
		cfg.Retry.MaxAge = 0
	})
	writeTestMarker(t, l.path, 4242, time.Now().Add(-time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := l.Acquire(ctx)

	var timeoutErr *LockTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.FileExists(t, l.path)
}

func TestLockCorruptMarkerTakenOver(t *testing.T) {
	rec := &eventRecorder{}
	l := newTestLock(t, rec, nil)
	require.NoError(t, os.WriteFile(l.path, []byte("garbage\n"), 0o644))

	handle, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, handle.Release())

	ev, found := rec.find(EventLockStaleTakeover)
	require.True(t, found)
	assert.Equal(t, 0, ev.StalePid)
}

func TestLockReleaseAfterForcedTakeover(t *testing.T) {
	l := newTestLock(t, nil, nil)
	handle, err := l.Acquire(context.Background())
	require.NoError(t, err)

	// Replace the marker out-of-band, as a forced takeover by another
	// actor would.
	foreign := fmt.Sprintf("%d\n%d\n", 4242, time.Now().UnixNano())
	require.NoError(t, os.WriteFile(l.path, []byte(foreign), 0o644))

	err = handle.Release()
	var ownErr *LockOwnershipError
	require.ErrorAs(t, err, &ownErr)
	assert.Equal(t, 4242, ownErr.FoundPid)

	// The new marker must be left untouched.
	data, err := os.ReadFile(l.path)
	require.NoError(t, err)
	assert.Equal(t, foreign, string(data))
}

func TestLockReleaseMissingMarker(t *testing.T) {
	l := newTestLock(t, nil, nil)
	handle, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Remove(l.path))

	var ownErr *LockOwnershipError
	require.ErrorAs(t, handle.Release(), &ownErr)
	assert.Equal(t, 0, ownErr.FoundPid)
}

func TestLockIOErrorNotRetried(t *testing.T) {
	l := newTestLock(t, nil, func(cfg *LockConfig) {
		cfg.Path = filepath.Join(t.TempDir(), "no-such-dir", "test.lock")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := l.Acquire(ctx)
	elapsed := time.Since(start)

	var ioErr *LockIOError
	require.ErrorAs(t, err, &ioErr)
	// Filesystem errors other than "already exists" propagate
	// immediately without entering the retry loop.
	assert.Less(t, elapsed, time.Second)
}

// writeTestMarker writes a marker file the way tryAcquire publishes it.
func writeTestMarker(t *testing.T, path string, pid int, createdAt time.Time) {
	t.Helper()
	content := fmt.Sprintf("%d\n%d\n", pid, createdAt.UnixNano())
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
