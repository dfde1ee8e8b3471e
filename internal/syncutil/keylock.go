// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

const defaultShards = 256

// KeyLock serializes work per string key with a fixed pool of
// channel-backed locks, so waiters can give up when their context ends.
// Distinct keys may share a shard.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a lock pool. shards <= 0 uses the default of 256.
func NewKeyLock(shards int) *KeyLock {
	if shards <= 0 {
		shards = defaultShards
	}
	k := &KeyLock{shards: make([]chan struct{}, shards)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock blocks until key's shard is free or ctx is done. On success the
// returned func releases the lock and must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.shards[k.index(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (k *KeyLock) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(k.shards)))
}
