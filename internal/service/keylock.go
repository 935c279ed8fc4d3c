package service

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyLocks serializes work per opaque id. Entries live only while someone holds or waits.
type keyLocks struct {
	mu sync.Mutex
	m  map[int64]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{m: make(map[int64]*lockEntry)}
}

// acquire blocks until the lock for id is held or ctx is done.
func (l *keyLocks) acquire(ctx context.Context, id int64) (func(), error) {
	l.mu.Lock()
	e, ok := l.m[id]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.drop(id, e)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.drop(id, e)
		})
	}, nil
}

func (l *keyLocks) drop(id int64, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, id)
	}
}

func (l *keyLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
