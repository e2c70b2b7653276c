// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rwlock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// waitFor polls cond, with mutex held, until it is true or a second passes.
func waitFor(mutex *sync.Mutex, cond func() bool) bool {
	for i := 0; i < 1000; i++ {
		mutex.Lock()
		ok := cond()
		mutex.Unlock()
		if ok {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestReadersShare(t *testing.T) {
	assert := assert.New(t)

	var (
		mutex sync.Mutex
		rwl   RWLock
	)
	rwl.Init(&mutex)

	mutex.Lock()
	assert.False(rwl.ReadLock())
	assert.False(rwl.PreferReadLock())
	assert.True(rwl.TryPreferReadLock())
	assert.Equal(uint32(3), rwl.Readers())
	assert.Equal(uint32(3), rwl.Users())
	rwl.ReadUnlock()
	rwl.ReadUnlock()
	rwl.ReadUnlock()
	assert.Equal(uint32(0), rwl.Users())
	assert.Panics(func() { rwl.ReadUnlock() })
	assert.Panics(func() { rwl.WriteUnlock() })
	mutex.Unlock()
}

func TestWriterExcludes(t *testing.T) {
	assert := assert.New(t)

	var (
		mutex    sync.Mutex
		rwl      RWLock
		wg       sync.WaitGroup
		gotRead  bool
		gotWrite bool
	)
	rwl.Init(&mutex)

	mutex.Lock()
	rwl.WriteLock()
	assert.False(rwl.TryPreferReadLock())
	mutex.Unlock()

	wg.Add(2)
	go func() {
		defer wg.Done()
		mutex.Lock()
		rwl.PreferReadLock()
		gotRead = true
		rwl.ReadUnlock()
		mutex.Unlock()
	}()
	go func() {
		defer wg.Done()
		mutex.Lock()
		rwl.WriteLock()
		gotWrite = true
		rwl.WriteUnlock()
		mutex.Unlock()
	}()

	assert.True(waitFor(&mutex, func() bool { return rwl.BlockedReaders() == 1 && rwl.BlockedWriters() == 1 }))
	mutex.Lock()
	assert.False(gotRead)
	assert.False(gotWrite)
	assert.Equal(uint32(1), rwl.Writers())
	assert.Equal(uint32(3), rwl.Users())
	rwl.WriteUnlock()
	mutex.Unlock()

	wg.Wait()
	assert.True(gotRead)
	assert.True(gotWrite)
	mutex.Lock()
	assert.Equal(uint32(0), rwl.Users())
	mutex.Unlock()
}

func TestWaitingWriterBlocksReadLockOnly(t *testing.T) {
	assert := assert.New(t)

	var (
		mutex sync.Mutex
		rwl   RWLock
		wg    sync.WaitGroup
	)
	rwl.Init(&mutex)

	mutex.Lock()
	rwl.ReadLock()
	mutex.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		mutex.Lock()
		assert.True(rwl.WriteLock())
		rwl.WriteUnlock()
		mutex.Unlock()
	}()
	assert.True(waitFor(&mutex, func() bool { return rwl.BlockedWriters() == 1 }))

	// A waiting writer does not stop prefer-readers
	mutex.Lock()
	assert.False(rwl.PreferReadLock())
	assert.True(rwl.TryPreferReadLock())
	assert.Equal(uint32(3), rwl.Readers())
	rwl.ReadUnlock()
	rwl.ReadUnlock()
	mutex.Unlock()

	wg.Add(1)
	readerDone := make(chan struct{})
	go func() {
		defer wg.Done()
		mutex.Lock()
		assert.True(rwl.ReadLock())
		rwl.ReadUnlock()
		mutex.Unlock()
		close(readerDone)
	}()
	assert.True(waitFor(&mutex, func() bool { return rwl.BlockedReaders() == 1 }))

	mutex.Lock()
	rwl.ReadUnlock()
	mutex.Unlock()

	<-readerDone
	wg.Wait()
	mutex.Lock()
	assert.Equal(uint32(0), rwl.Users())
	mutex.Unlock()
}
