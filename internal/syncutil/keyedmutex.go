// Package syncutil provides keyed locking primitives used to serialize
// state transitions per verification attempt.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// KeyedMutex provides a fixed-size pool of channel-based mutexes keyed by
// string. Memory stays bounded no matter how many keys are seen, at the cost
// of occasional false sharing between keys that hash to the same shard.
// Callers can bail out if their context is cancelled while waiting.
type KeyedMutex struct {
	shards [256]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewKeyedMutex creates a new context-aware keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// Lock acquires the mutex for the given key, respecting context cancellation.
// On success, returns an unlock function and nil error. The caller MUST call
// the unlock function when done.
// On context cancellation, returns nil and the context error.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[m.shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
