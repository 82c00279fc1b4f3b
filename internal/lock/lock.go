// Package lock provides keyed critical sections. Keys are opaque strings;
// callers use "booking:<id>" for per-booking work and "collection:<name>"
// around whole-collection read-modify-write.
package lock

import (
	"context"
	"sync"
)

// Locker blocks until key is held or ctx is done. The returned func
// releases the key and is safe to call once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func BookingKey(id string) string      { return "booking:" + id }
func CollectionKey(name string) string { return "collection:" + name }

// Local is an in-process keyed mutex. Entries are dropped once no caller
// holds or waits for them, so the map does not grow with booking count.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
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
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
