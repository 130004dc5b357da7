package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLockBusy is returned when a per-user lock could not be taken within
// the wait budget.
var ErrLockBusy = errors.New("user lock busy")

// RedisUserLocker serializes per-user transaction creation across
// processes with a SET NX lease.
type RedisUserLocker struct {
	client *RedisClient
	ttl    time.Duration
	wait   time.Duration
}

func NewRedisUserLocker(redisClient *RedisClient) *RedisUserLocker {
	return &RedisUserLocker{
		client: redisClient,
		ttl:    10 * time.Second,
		wait:   3 * time.Second,
	}
}

func (l *RedisUserLocker) WithUserLock(ctx context.Context, userID int64, fn func(context.Context) error) error {
	key := l.client.generateKey("lock", "tx", fmt.Sprintf("%d", userID))
	token := uuid.New().String()

	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.AcquireLock(ctx, key, token, l.ttl)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	defer func() {
		_ = l.client.ReleaseLock(context.Background(), key, token)
	}()

	return fn(ctx)
}

// MemoryUserLocker is the single-process equivalent used by tests and
// local runs.
type MemoryUserLocker struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewMemoryUserLocker() *MemoryUserLocker {
	return &MemoryUserLocker{locks: make(map[int64]*sync.Mutex)}
}

func (l *MemoryUserLocker) WithUserLock(ctx context.Context, userID int64, fn func(context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}
