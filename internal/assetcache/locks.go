package assetcache

import (
	"context"
	"sync"

	"vidsync/internal/fingerprint"
)

// keyedLocks hands out one exclusive slot per fingerprint. Slots are created
// on demand and dropped once nobody holds or waits for them.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[fingerprint.Hash]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[fingerprint.Hash]*lockSlot)}
}

func (k *keyedLocks) lock(ctx context.Context, fp fingerprint.Hash) error {
	k.mu.Lock()
	slot, ok := k.slots[fp]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		k.slots[fp] = slot
	}
	slot.refs++
	k.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.release(fp, slot)
		return ctx.Err()
	}
}

func (k *keyedLocks) unlock(fp fingerprint.Hash) {
	k.mu.Lock()
	slot, ok := k.slots[fp]
	k.mu.Unlock()
	if !ok {
		return
	}
	<-slot.ch
	k.release(fp, slot)
}

func (k *keyedLocks) release(fp fingerprint.Hash, slot *lockSlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(k.slots, fp)
	}
}
