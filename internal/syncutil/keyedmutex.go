// Package syncutil holds small synchronization helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex when none is given.
const DefaultShards = 256

// KeyedMutex serializes work per string key using a fixed pool of
// channel-based locks. Memory stays bounded however many keys are seen;
// distinct keys that hash to the same shard share a lock.
//
// Waiting for a lock can be abandoned through the context.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a mutex with n shards. n <= 0 selects DefaultShards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{} // unlocked
	}
	return m
}

// LockContext acquires the lock for key. On success it returns an unlock
// function which the caller must call exactly once. If ctx ends first it
// returns the context error and no lock is held.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	shard := m.shards[m.shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
