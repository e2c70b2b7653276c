// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package workqueue provides a FIFO of work items shared with a pool of
// worker goroutines. High priority items go to the front of the queue.
//
// A Queue is guarded by a sync.Locker supplied at creation, which allows an
// owner (e.g. a cache) to enqueue while holding its own lock and to wait on
// the queue's write throttle condition with that same lock.
package workqueue

import (
	"container/list"
	"sync"
)

// Item is a unit of asynchronous work.
type Item func()

// Queue is a work queue with a secondary condition used to throttle
// producers of write-back work.
type Queue struct {
	lock       sync.Locker
	items      *list.List
	closed     bool
	waitRead   *sync.Cond
	waitWrite  *sync.Cond
	wantRead   uint32
	wantWrite  uint32
	enqueued   uint64
	dequeued   uint64
	maxQueued  int
	highQueued uint64
}

// New returns a Queue guarded by lock. A nil lock gets a private mutex.
func New(lock sync.Locker) (q *Queue) {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	q = &Queue{
		lock:  lock,
		items: list.New(),
	}
	q.waitRead = sync.NewCond(lock)
	q.waitWrite = sync.NewCond(lock)
	return
}

// Lock acquires the queue's lock.
func (q *Queue) Lock() {
	q.lock.Lock()
}

// Unlock releases the queue's lock.
func (q *Queue) Unlock() {
	q.lock.Unlock()
}

// EnqLocked adds item to the queue; the caller holds the queue's lock.
// Returns false if the queue has been closed.
func (q *Queue) EnqLocked(item Item, highPriority bool) (ok bool) {
	if q.closed {
		return false
	}
	if highPriority {
		q.items.PushFront(item)
		q.highQueued++
	} else {
		q.items.PushBack(item)
	}
	q.enqueued++
	if q.items.Len() > q.maxQueued {
		q.maxQueued = q.items.Len()
	}
	if q.wantRead > 0 {
		q.waitRead.Signal()
	}
	return true
}

// Deq removes the item at the head of the queue, blocking while the queue is
// empty. Returns ok == false once the queue is closed and drained.
func (q *Queue) Deq() (item Item, ok bool) {
	q.lock.Lock()
	item, ok = q.deqLocked()
	q.lock.Unlock()
	return
}

func (q *Queue) deqLocked() (item Item, ok bool) {
	for q.items.Len() == 0 {
		if q.closed {
			return nil, false
		}
		q.wantRead++
		q.waitRead.Wait()
		q.wantRead--
	}
	item = q.items.Remove(q.items.Front()).(Item)
	q.dequeued++
	return item, true
}

// Close stops further enqueues and wakes all blocked Deq callers. Items
// already queued are still handed out.
func (q *Queue) Close() {
	q.lock.Lock()
	q.closed = true
	q.waitRead.Broadcast()
	q.lock.Unlock()
}

// WaitWrite blocks on the write throttle condition; the caller holds the
// queue's lock and re-tests its own predicate on return.
func (q *Queue) WaitWrite() {
	q.wantWrite++
	q.waitWrite.Wait()
	q.wantWrite--
}

// WakeupWrite wakes every goroutine blocked in WaitWrite(); the caller holds
// the queue's lock.
func (q *Queue) WakeupWrite() {
	if q.wantWrite > 0 {
		q.waitWrite.Broadcast()
	}
}

// NumInQueueLocked returns the number of queued items; the caller holds the
// queue's lock.
func (q *Queue) NumInQueueLocked() int {
	return q.items.Len()
}

// Stats is a snapshot of queue activity.
type Stats struct {
	Queued       int
	Enqueued     uint64
	Dequeued     uint64
	HighPriority uint64
	MaxQueued    int
	WaitingRead  uint32
	WaitingWrite uint32
}

// StatsLocked returns a Stats snapshot; the caller holds the queue's lock.
func (q *Queue) StatsLocked() Stats {
	return Stats{
		Queued:       q.items.Len(),
		Enqueued:     q.enqueued,
		Dequeued:     q.dequeued,
		HighPriority: q.highQueued,
		MaxQueued:    q.maxQueued,
		WaitingRead:  q.wantRead,
		WaitingWrite: q.wantWrite,
	}
}
