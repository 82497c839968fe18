// Package keymutex provides per-key locking sharded by xxhash so unrelated
// keys rarely contend. The replica state store and retry queue use it to
// serialize writers per (collection, record) or per operation without a
// global lock.
package keymutex

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShardCount = 64

// KeyMutex maps string keys onto a fixed set of mutex shards.
type KeyMutex struct {
	shards []sync.Mutex
}

func New(shardCount int) *KeyMutex {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	return &KeyMutex{shards: make([]sync.Mutex, shardCount)}
}

func (m *KeyMutex) shard(key string) *sync.Mutex {
	return &m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

func (m *KeyMutex) Lock(key string) {
	m.shard(key).Lock()
}

func (m *KeyMutex) Unlock(key string) {
	m.shard(key).Unlock()
}

// WithLock runs fn while holding the shard lock for key.
func (m *KeyMutex) WithLock(key string, fn func() error) error {
	m.Lock(key)
	defer m.Unlock(key)
	return fn()
}
