package harvest

import (
	"context"
	"sync"
	"sync/atomic"
)

// Lock serializes the store-writing phases of the harvest loops. One Lock is
// built at startup and handed to every loop.
//
// Reentrancy is scoped by context: Acquire on a context derived from the one
// a holder got back succeeds immediately and its release is a no-op, as long
// as that hold has not been released. Any other caller waits.
type Lock struct {
	sem chan struct{}
}

type lockKey struct{ l *Lock }

// hold is one acquisition; contexts derived from the holder share it.
type hold struct {
	released atomic.Bool
}

func NewLock() *Lock {
	return &Lock{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the lock is held or ctx is done. The returned context
// marks the holder; pass it to anything that may acquire again. release is
// safe to call more than once.
func (l *Lock) Acquire(ctx context.Context) (held context.Context, release func(), err error) {
	if l.Held(ctx) {
		return ctx, func() {}, nil
	}
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx, func() {}, ctx.Err()
	}
	h := &hold{}
	var once sync.Once
	release = func() {
		once.Do(func() {
			h.released.Store(true)
			<-l.sem
		})
	}
	return context.WithValue(ctx, lockKey{l}, h), release, nil
}

// Held reports whether ctx carries a live hold of this lock.
func (l *Lock) Held(ctx context.Context) bool {
	h, _ := ctx.Value(lockKey{l}).(*hold)
	return h != nil && !h.released.Load()
}

// Busy reports whether some holder currently has the lock.
func (l *Lock) Busy() bool { return len(l.sem) > 0 }
