// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/cachetable/logger"
)

// Pool is a fixed set of goroutines executing the items of a Queue.
type Pool struct {
	queue   *Queue
	wg      sync.WaitGroup
	workers int32
	busy    int32
}

// StartPool starts numWorkers goroutines serving queue.
func StartPool(queue *Queue, numWorkers int) (pool *Pool) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	pool = &Pool{queue: queue}
	for i := 0; i < numWorkers; i++ {
		pool.wg.Add(1)
		atomic.AddInt32(&pool.workers, 1)
		go pool.worker()
	}
	return
}

func (pool *Pool) worker() {
	defer func() {
		atomic.AddInt32(&pool.workers, -1)
		pool.wg.Done()
	}()

	for {
		item, ok := pool.queue.Deq()
		if !ok {
			logger.Tracef("workqueue worker exiting: queue closed")
			return
		}
		atomic.AddInt32(&pool.busy, 1)
		item()
		atomic.AddInt32(&pool.busy, -1)
	}
}

// NumWorkers returns the number of running worker goroutines.
func (pool *Pool) NumWorkers() int {
	return int(atomic.LoadInt32(&pool.workers))
}

// NumBusy returns the number of workers currently executing an item.
func (pool *Pool) NumBusy() int {
	return int(atomic.LoadInt32(&pool.busy))
}

// Stop closes the queue, lets the workers drain it and waits for them to exit.
func (pool *Pool) Stop() {
	pool.queue.Close()
	pool.wg.Wait()
}
