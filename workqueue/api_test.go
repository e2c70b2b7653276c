// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enq(q *Queue, item Item, highPriority bool) (ok bool) {
	q.Lock()
	ok = q.EnqLocked(item, highPriority)
	q.Unlock()
	return
}

func TestQueueOrder(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var order []int
	record := func(n int) Item { return func() { order = append(order, n) } }

	q := New(nil)
	require.True(enq(q, record(1), false))
	require.True(enq(q, record(2), false))
	require.True(enq(q, record(3), true))
	q.Lock()
	assert.Equal(3, q.NumInQueueLocked())
	q.Unlock()

	for i := 0; i < 3; i++ {
		item, ok := q.Deq()
		require.True(ok)
		item()
	}
	assert.Equal([]int{3, 1, 2}, order)

	q.Lock()
	stats := q.StatsLocked()
	q.Unlock()
	assert.Equal(uint64(3), stats.Enqueued)
	assert.Equal(uint64(3), stats.Dequeued)
	assert.Equal(uint64(1), stats.HighPriority)
	assert.Equal(3, stats.MaxQueued)

	q.Close()
	assert.False(enq(q, record(4), false))
	_, ok := q.Deq()
	assert.False(ok)
}

func TestDeqBlocksUntilEnq(t *testing.T) {
	assert := assert.New(t)

	q := New(nil)
	got := make(chan bool)
	go func() {
		item, ok := q.Deq()
		if ok {
			item()
		}
		got <- ok
	}()

	select {
	case <-got:
		t.Fatalf("Deq() returned from an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	ran := false
	enq(q, func() { ran = true }, false)
	assert.True(<-got)
	assert.True(ran)
}

func TestWriteThrottle(t *testing.T) {
	assert := assert.New(t)

	var (
		mutex   sync.Mutex
		inFlite = 10
		wg      sync.WaitGroup
	)
	q := New(&mutex)

	wg.Add(1)
	go func() {
		defer wg.Done()
		mutex.Lock()
		for inFlite > 5 {
			q.WaitWrite()
		}
		mutex.Unlock()
	}()

	for {
		mutex.Lock()
		waiting := q.StatsLocked().WaitingWrite
		mutex.Unlock()
		if waiting == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mutex.Lock()
	inFlite = 2
	q.WakeupWrite()
	mutex.Unlock()
	wg.Wait()

	mutex.Lock()
	assert.Equal(uint32(0), q.StatsLocked().WaitingWrite)
	mutex.Unlock()
}

func TestPool(t *testing.T) {
	assert := assert.New(t)

	q := New(nil)
	pool := StartPool(q, 4)
	assert.Equal(4, pool.NumWorkers())

	var count int64
	for i := 0; i < 100; i++ {
		enq(q, func() { atomic.AddInt64(&count, 1) }, i%10 == 0)
	}

	pool.Stop()
	assert.Equal(int64(100), atomic.LoadInt64(&count))
	assert.Equal(0, pool.NumWorkers())
	assert.Equal(0, pool.NumBusy())
}
