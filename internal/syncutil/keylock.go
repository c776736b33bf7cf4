// Package syncutil holds small concurrency primitives shared by the stores.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyLock.
const DefaultShards = 256

// KeyLock serialises work per key over a fixed pool of channel mutexes.
// Distinct keys may share a shard; that only costs throughput.
// Acquisition honours context cancellation.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock returns a KeyLock with DefaultShards shards.
func NewKeyLock() *KeyLock {
	return NewKeyLockShards(DefaultShards)
}

// NewKeyLockShards returns a KeyLock with n shards (minimum 1).
func NewKeyLockShards(n int) *KeyLock {
	if n < 1 {
		n = 1
	}
	k := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{}
	}
	return k
}

// Lock acquires the shard for key. On success the caller must call the
// returned release exactly once. If ctx ends first, Lock returns ctx.Err().
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	shard := k.shards[k.index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the shard for key only if it is free.
func (k *KeyLock) TryLock(key string) (func(), bool) {
	shard := k.shards[k.index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (k *KeyLock) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.shards))
}
