package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_TryLock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	key := WorkspaceKey("optimizer", 1)

	unlock, err := l.TryLock(ctx, key)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, key)
	assert.True(t, errors.Is(err, ErrNotAcquired))

	// 不同工作区互不影响
	other, err := l.TryLock(ctx, WorkspaceKey("optimizer", 2))
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	again()

	assert.ElementsMatch(t, []string{key, WorkspaceKey("optimizer", 2)}, l.Keys())
}

func TestLocal_LockWaits(t *testing.T) {
	l := NewLocal()
	key := WorkspaceKey("optimizer", 1)

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(context.Background(), key)
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock should wait")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock not acquired after release")
	}
}

func TestLocal_LockContextCancel(t *testing.T) {
	l := NewLocal()
	key := WorkspaceKey("scanner", 1)

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, key)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func newRedisLocker(t *testing.T) (*Redis, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	r := NewRedis(db, time.Minute)
	r.newToken = func() string { return "token-1" }
	r.retry = 5 * time.Millisecond
	return r, mock
}

func TestRedis_TryLockAndRelease(t *testing.T) {
	r, mock := newRedisLocker(t)
	key := WorkspaceKey("optimizer", 1)

	mock.ExpectSetNX(key, "token-1", time.Minute).SetVal(true)
	mock.ExpectEval(releaseScript, []string{key}, "token-1").SetVal(int64(1))

	unlock, err := r.TryLock(context.Background(), key)
	require.NoError(t, err)
	unlock()
	unlock()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_TryLockHeld(t *testing.T) {
	r, mock := newRedisLocker(t)
	key := WorkspaceKey("optimizer", 1)

	mock.ExpectSetNX(key, "token-1", time.Minute).SetVal(false)

	_, err := r.TryLock(context.Background(), key)
	assert.True(t, errors.Is(err, ErrNotAcquired))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_LockRetries(t *testing.T) {
	r, mock := newRedisLocker(t)
	key := WorkspaceKey("optimizer", 1)

	mock.ExpectSetNX(key, "token-1", time.Minute).SetVal(false)
	mock.ExpectSetNX(key, "token-1", time.Minute).SetVal(true)

	unlock, err := r.Lock(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, unlock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_SetNXError(t *testing.T) {
	r, mock := newRedisLocker(t)
	key := WorkspaceKey("optimizer", 1)

	mock.ExpectSetNX(key, "token-1", time.Minute).SetErr(errors.New("connection refused"))

	_, err := r.Lock(context.Background(), key)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotAcquired))
}
