// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package rwlock provides a reader/writer lock whose state is protected by an
// external mutex that the caller already holds. Waiting releases that mutex,
// so a single table-wide lock can guard many of these cheaply.
//
// Writers are preferred: once a writer is waiting, ReadLock() blocks new
// readers. PreferReadLock() and TryPreferReadLock() let a reader past a
// waiting (but not an active) writer.
//
// All methods must be called with the external mutex held.
package rwlock

import (
	"fmt"
	"sync"
)

// RWLock must be initialized with Init() before use.
type RWLock struct {
	reader    uint32
	wantRead  uint32
	writer    uint32
	wantWrite uint32
	readCond  *sync.Cond
	writeCond *sync.Cond
}

// Init binds the lock to mutex, the lock guarding all calls on it.
func (rwl *RWLock) Init(mutex sync.Locker) {
	rwl.reader, rwl.wantRead, rwl.writer, rwl.wantWrite = 0, 0, 0, 0
	rwl.readCond = sync.NewCond(mutex)
	rwl.writeCond = sync.NewCond(mutex)
}

// ReadLock obtains a read lock, waiting while a writer holds or wants it.
// Returns true if it had to wait.
func (rwl *RWLock) ReadLock() (waited bool) {
	if rwl.writer > 0 || rwl.wantWrite > 0 {
		waited = true
		rwl.wantRead++
		for rwl.writer > 0 || rwl.wantWrite > 0 {
			rwl.readCond.Wait()
		}
		rwl.wantRead--
	}
	rwl.reader++
	return
}

// PreferReadLock obtains a read lock, waiting only while a writer holds it.
// Returns true if it had to wait.
func (rwl *RWLock) PreferReadLock() (waited bool) {
	if rwl.writer > 0 {
		waited = true
		rwl.wantRead++
		for rwl.writer > 0 {
			rwl.readCond.Wait()
		}
		rwl.wantRead--
	}
	rwl.reader++
	return
}

// TryPreferReadLock obtains a read lock only if no writer holds it.
func (rwl *RWLock) TryPreferReadLock() (ok bool) {
	if rwl.writer > 0 {
		return false
	}
	rwl.reader++
	return true
}

// ReadUnlock releases a read lock.
func (rwl *RWLock) ReadUnlock() {
	if rwl.reader == 0 {
		panic("rwlock.ReadUnlock() called without a reader")
	}
	rwl.reader--
	if rwl.reader == 0 && rwl.wantWrite > 0 {
		rwl.writeCond.Signal()
	}
}

// WriteLock obtains the write lock, waiting while readers or a writer hold it.
// Returns true if it had to wait.
func (rwl *RWLock) WriteLock() (waited bool) {
	if rwl.reader > 0 || rwl.writer > 0 {
		waited = true
		rwl.wantWrite++
		for rwl.reader > 0 || rwl.writer > 0 {
			rwl.writeCond.Wait()
		}
		rwl.wantWrite--
	}
	rwl.writer++
	return
}

// WriteUnlock releases the write lock. A waiting writer is woken in preference
// to waiting readers.
func (rwl *RWLock) WriteUnlock() {
	if rwl.writer == 0 {
		panic("rwlock.WriteUnlock() called without a writer")
	}
	rwl.writer--
	if rwl.wantWrite > 0 {
		rwl.writeCond.Signal()
	} else if rwl.wantRead > 0 {
		rwl.readCond.Broadcast()
	}
}

// Readers returns the number of read lock holders.
func (rwl *RWLock) Readers() uint32 {
	return rwl.reader
}

// BlockedReaders returns the number of goroutines waiting for a read lock.
func (rwl *RWLock) BlockedReaders() uint32 {
	return rwl.wantRead
}

// Writers returns the number of write lock holders (0 or 1).
func (rwl *RWLock) Writers() uint32 {
	return rwl.writer
}

// BlockedWriters returns the number of goroutines waiting for the write lock.
func (rwl *RWLock) BlockedWriters() uint32 {
	return rwl.wantWrite
}

// Users returns holders plus waiters of either kind.
func (rwl *RWLock) Users() uint32 {
	return rwl.reader + rwl.wantRead + rwl.writer + rwl.wantWrite
}

func (rwl *RWLock) String() string {
	return fmt.Sprintf("rwlock{reader: %d, wantRead: %d, writer: %d, wantWrite: %d}",
		rwl.reader, rwl.wantRead, rwl.writer, rwl.wantWrite)
}
