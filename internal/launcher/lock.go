package launcher

import (
	"context"
	"sync"
)

// keyedLock serializes work per key. Waiters give up when ctx ends.
type keyedLock struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	refs  map[string]int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{
		slots: make(map[string]chan struct{}),
		refs:  make(map[string]int),
	}
}

// Lock acquires key and returns the matching unlock function.
func (k *keyedLock) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		k.slots[key] = slot
	}
	k.refs[key]++
	k.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() {
			<-slot
			k.release(key)
		}, nil
	case <-ctx.Done():
		k.release(key)
		return nil, ctx.Err()
	}
}

func (k *keyedLock) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.refs[key]--
	if k.refs[key] == 0 {
		delete(k.refs, key)
		delete(k.slots, key)
	}
}
