package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/mezcal-hub/mezcal/internal/apperrors"
)

// lockRetryDelay 是轮询 flock 的间隔。
const lockRetryDelay = 25 * time.Millisecond

// lockTable 让同一进程内对同一锁文件的等待者先在内存中排队，
// 每个 key 同一时刻只有一个 goroutine 去竞争 flock。
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*entryLock)}
}

func (t *lockTable) acquire(ctx context.Context, key string) (func(), error) {
	t.mu.Lock()
	lock := t.locks[key]
	if lock == nil {
		lock = &entryLock{sem: make(chan struct{}, 1)}
		t.locks[key] = lock
	}
	lock.refs++
	t.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		t.release(key, lock)
		return nil, ctx.Err()
	}

	return func() {
		<-lock.sem
		t.release(key, lock)
	}, nil
}

func (t *lockTable) release(key string, lock *entryLock) {
	t.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(t.locks, key)
	}
	t.mu.Unlock()
}

// Lock 是已持有的条目锁。Unlock 可重复调用。
type Lock struct {
	path    string
	file    *flock.Flock
	release func()

	once sync.Once
	err  error
}

// Path 返回锁文件路径。
func (l *Lock) Path() string {
	return l.path
}

// Unlock 释放 flock 与进程内排队槽位。
func (l *Lock) Unlock() error {
	l.once.Do(func() {
		l.err = l.file.Unlock()
		l.release()
	})
	return l.err
}

// Lock 获取条目的独占锁：先在进程内排队，再轮询锁文件上的 OS 建议锁，最多等待 timeout。
// 超时返回 LockTimeout，绝不会在未持锁的情况下继续。锁文件所在目录按需创建。
func (e *Entry) Lock(ctx context.Context, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	release, err := e.store.locks.acquire(ctx, e.LockPath)
	if err != nil {
		return nil, apperrors.LockTimeout(err, e.LockPath)
	}

	if err := os.MkdirAll(filepath.Dir(e.LockPath), 0o755); err != nil {
		release()
		return nil, apperrors.Storage(err, "create lock directory")
	}

	file := flock.New(e.LockPath)
	locked, err := file.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, apperrors.LockTimeout(ctxErr, e.LockPath)
		}
		if err == nil {
			return nil, apperrors.LockTimeout(nil, e.LockPath)
		}
		return nil, apperrors.Storage(err, "acquire lock")
	}

	return &Lock{path: e.LockPath, file: file, release: release}, nil
}

// WithLock 在持锁状态下执行 fn。无论 fn 正常返回、返回错误还是 panic，锁都会被释放。
func (e *Entry) WithLock(ctx context.Context, timeout time.Duration, fn func() error) (err error) {
	lock, err := e.Lock(ctx, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil && err == nil {
			err = apperrors.Storage(unlockErr, "release lock")
		}
	}()
	return fn()
}
