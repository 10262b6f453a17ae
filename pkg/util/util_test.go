package util

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedMapStoreLoad(t *testing.T) {
	sm := NewShardedMap(16)

	sm.Store("call-1", "a")
	sm.Store("call-2", "b")

	v, ok := sm.Load("call-1")
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	_, ok = sm.Load("call-3")
	assert.False(t, ok)

	assert.Equal(t, 2, sm.Count())

	sm.Delete("call-1")
	_, ok = sm.Load("call-1")
	assert.False(t, ok)
}

func TestShardedMapLoadOrStoreSingleCreation(t *testing.T) {
	sm := NewShardedMap(16)

	var created int64
	var wg sync.WaitGroup
	results := make([]interface{}, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, _ := sm.LoadOrStore("same-key", func() interface{} {
				atomic.AddInt64(&created, 1)
				return &struct{ id int }{idx}
			})
			results[idx] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), created, "create must run exactly once per key")
	for _, v := range results {
		assert.Same(t, results[0], v, "all callers must observe the same value")
	}
}

func TestShardedMapInvalidShardCount(t *testing.T) {
	sm := NewShardedMap(7)
	sm.Store("k", 1)
	v, ok := sm.Load("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestShardedMapRange(t *testing.T) {
	sm := NewShardedMap(4)
	for i := 0; i < 10; i++ {
		sm.Store(fmt.Sprintf("key-%d", i), i)
	}

	seen := 0
	sm.Range(func(key string, value interface{}) bool {
		seen++
		return true
	})
	assert.Equal(t, 10, seen)

	stopped := 0
	sm.Range(func(key string, value interface{}) bool {
		stopped++
		return false
	})
	assert.Equal(t, 1, stopped)
}

func TestGoroutinePoolExecutesTasks(t *testing.T) {
	pool := NewGoroutinePool(4, 16)
	pool.Start(2)
	defer pool.Shutdown(time.Second)

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		ok := pool.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&counter, 1)
		})
		require.True(t, ok, "submission should succeed with capacity available")
	}
	wg.Wait()

	assert.Equal(t, int64(20), atomic.LoadInt64(&counter))
	assert.Equal(t, int64(20), pool.Stats().TasksSubmitted)
}

func TestGoroutinePoolBurstOnSingleProc(t *testing.T) {
	// A burst bigger than the queue must not reject while workers are about
	// to free slots, even when no worker gets scheduled between submissions.
	prev := runtime.GOMAXPROCS(1)
	defer runtime.GOMAXPROCS(prev)

	pool := NewGoroutinePool(4, 4)
	pool.Start(1)
	defer pool.Shutdown(time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		ok := pool.Submit(func() { wg.Done() })
		require.True(t, ok, "burst submission %d must drain within the grace window", i)
	}
	wg.Wait()

	assert.Equal(t, int64(32), pool.Stats().TasksSubmitted)
	assert.Equal(t, int64(0), pool.Stats().TasksRejected)
}

func TestGoroutinePoolRejectsNil(t *testing.T) {
	pool := NewGoroutinePool(1, 1)
	pool.Start(1)
	defer pool.Shutdown(time.Second)

	assert.False(t, pool.Submit(nil))
}

func TestGoroutinePoolShutdown(t *testing.T) {
	pool := NewGoroutinePool(2, 4)
	pool.Start(2)

	done := make(chan struct{})
	pool.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run before shutdown")
	}

	assert.True(t, pool.Shutdown(time.Second))
	assert.False(t, pool.Submit(func() {}), "submissions after shutdown are rejected")
}
