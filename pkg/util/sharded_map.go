package util

import (
	"hash/fnv"
	"sync"
)

// ShardedMap provides a string-keyed map split across multiple shards so that
// concurrent call-handling units working on different calls never contend on
// the same lock.
type ShardedMap struct {
	shards    []*mapShard
	shardMask uint32
}

// mapShard represents a single shard in the sharded map
type mapShard struct {
	items map[string]interface{}
	mu    sync.RWMutex
}

// NewShardedMap creates a new sharded map with the specified number of shards.
// shardCount must be a power of two for efficient shard selection.
func NewShardedMap(shardCount int) *ShardedMap {
	if shardCount <= 0 || (shardCount&(shardCount-1)) != 0 {
		shardCount = 16
	}

	sm := &ShardedMap{
		shards:    make([]*mapShard, shardCount),
		shardMask: uint32(shardCount - 1),
	}

	for i := 0; i < shardCount; i++ {
		sm.shards[i] = &mapShard{
			items: make(map[string]interface{}),
		}
	}

	return sm
}

// getShard returns the appropriate shard for a given key
func (sm *ShardedMap) getShard(key string) *mapShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return sm.shards[h.Sum32()&sm.shardMask]
}

// Store adds or updates a key-value pair in the map
func (sm *ShardedMap) Store(key string, value interface{}) {
	shard := sm.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.items[key] = value
}

// Load retrieves a value from the map
func (sm *ShardedMap) Load(key string) (interface{}, bool) {
	shard := sm.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	value, ok := shard.items[key]
	return value, ok
}

// LoadOrStore returns the existing value for the key if present. Otherwise it
// stores and returns the value produced by create. The create function runs
// under the shard lock, so concurrent first arrivals for the same key observe
// exactly one stored value.
func (sm *ShardedMap) LoadOrStore(key string, create func() interface{}) (interface{}, bool) {
	shard := sm.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if existing, ok := shard.items[key]; ok {
		return existing, true
	}
	value := create()
	shard.items[key] = value
	return value, false
}

// Delete removes a key-value pair from the map
func (sm *ShardedMap) Delete(key string) {
	shard := sm.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.items, key)
}

// Range iterates over all key-value pairs in the map. If f returns false,
// iteration stops.
func (sm *ShardedMap) Range(f func(key string, value interface{}) bool) {
	for _, shard := range sm.shards {
		shard.mu.RLock()
		for k, v := range shard.items {
			if !f(k, v) {
				shard.mu.RUnlock()
				return
			}
		}
		shard.mu.RUnlock()
	}
}

// Count returns the total number of items across all shards
func (sm *ShardedMap) Count() int {
	count := 0
	for _, shard := range sm.shards {
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}
