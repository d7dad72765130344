// Package syncutil holds the hashing and locking primitives shared by the
// state store and the ingestion path.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used when a caller passes n <= 0.
const DefaultShards = 256

// ShardIndex maps key onto one of n shards using FNV-1a.
func ShardIndex(key string, n int) int {
	if n <= 0 {
		n = DefaultShards
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// KeyLock is a fixed pool of per-key locks. Memory stays bounded no matter
// how many keys are seen; keys hashing to the same shard share a lock.
// Each shard is a one-slot channel so waiters can give up on ctx.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a lock pool with n shards.
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = DefaultShards
	}
	k := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{}
	}
	return k
}

// Lock blocks until the lock for key is held and returns its unlock func.
func (k *KeyLock) Lock(key string) func() {
	ch := k.shards[ShardIndex(key, len(k.shards))]
	<-ch
	return func() { ch <- struct{}{} }
}

// LockContext is Lock with cancellation. On ctx expiry it returns ctx.Err()
// and a nil unlock func.
func (k *KeyLock) LockContext(ctx context.Context, key string) (func(), error) {
	ch := k.shards[ShardIndex(key, len(k.shards))]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
