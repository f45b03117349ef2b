package conversation

import (
	"context"
	"sync"
)

// Locker serializes writers per conversation key. Keys that are not held
// cost nothing: entries are dropped when their last holder or waiter leaves.
type Locker struct {
	mu    sync.Mutex
	slots map[Key]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocker creates an empty locker.
func NewLocker() *Locker {
	return &Locker{slots: make(map[Key]*slot)}
}

// Lock blocks until key is free or ctx is done. On success the returned
// function releases the key and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key Key) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}
}

func (l *Locker) release(key Key, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// held returns the number of keys with a holder or waiter.
func (l *Locker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
