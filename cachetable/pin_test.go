// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/cachetable/blunder"
)

func TestPutGetUnpin(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "putget")
	disk := newTestDisk()

	putPage(t, cf, disk, 1)

	value, size, err := cf.GetAndPin(1, cf.Hash(1), disk)
	assert.NoError(err)
	assert.Equal("put-1", value)
	assert.Equal(testPageSize, size)

	keyState, err := cf.GetKeyState(1, cf.Hash(1))
	assert.NoError(err)
	assert.Equal(uint32(2), keyState.Pins)
	assert.True(keyState.Dirty)

	assert.NoError(cf.Unpin(1, cf.Hash(1), false, 0))
	assert.NoError(cf.Unpin(1, cf.Hash(1), false, 0))

	err = cf.Unpin(1, cf.Hash(1), false, 0)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
	err = cf.Unpin(2, cf.Hash(2), false, 0)
	assert.True(blunder.Is(err, blunder.NotFoundError))

	keyState, err = cf.GetKeyState(1, cf.Hash(1))
	assert.NoError(err)
	assert.Equal(uint32(0), keyState.Pins)

	status := ct.Status()
	assert.Equal(uint64(1), status.Puts)
	assert.Equal(uint64(1), status.Hits)
	assert.Equal(uint64(0), status.Misses)
	assert.Equal(testPageSize, status.SizeCurrent)
	assert.NoError(ct.Verify())
	assert.NoError(ct.AssertAllUnpinned())

	_, err = cf.Close(false, ZeroLSN)
	assert.NoError(err)
	assert.Equal(1, disk.count(disk.writes, 1))
	assert.Equal(1, disk.count(disk.evictions, 1))
	assert.Equal(uint32(0), ct.GetState().NumEntries)

	assert.NoError(ct.Close())
}

func TestGetAndPinMiss(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "miss")
	disk := newTestDisk()

	value, size, err := cf.GetAndPin(5, cf.Hash(5), disk)
	assert.NoError(err)
	assert.Equal("page-5", value)
	assert.Equal(testPageSize, size)
	assert.NoError(cf.Unpin(5, cf.Hash(5), false, 0))

	_, _, err = cf.GetAndPin(5, cf.Hash(5), disk)
	assert.NoError(err)
	assert.NoError(cf.Unpin(5, cf.Hash(5), false, 0))

	assert.Equal(1, disk.count(disk.fetches, 5))
	missCount, _ := ct.MissCounts()
	assert.Equal(uint64(1), missCount)
	assert.Equal(uint64(1), ct.Status().Hits)

	keyState, err := cf.GetKeyState(5, cf.Hash(5))
	assert.NoError(err)
	assert.False(keyState.Dirty)

	_, err = cf.Close(false, ZeroLSN)
	assert.NoError(err)
	assert.Equal(0, disk.count(disk.writes, 5))
	assert.NoError(ct.Close())
}

func TestPutDuplicate(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "dup")
	disk := newTestDisk()

	putPage(t, cf, disk, 1)
	err := cf.Put(1, cf.Hash(1), "again", testPageSize, disk)
	assert.True(blunder.Is(err, blunder.PairExistsError))

	keyState, err := cf.GetKeyState(1, cf.Hash(1))
	assert.NoError(err)
	assert.Equal(uint32(2), keyState.Pins)
	assert.Equal("put-1", keyState.Value)
	assert.Equal(testPageSize, ct.Status().SizeCurrent)

	assert.NoError(cf.Unpin(1, cf.Hash(1), false, 0))
	assert.NoError(cf.Unpin(1, cf.Hash(1), false, 0))
	assert.NoError(ct.Close())
}

func TestEvictionOverLimit(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "evict")
	disk := newTestDisk()

	for key := Key(0); key < 10; key++ {
		putPage(t, cf, disk, key)
	}
	assert.Equal(int64(1000), ct.Status().SizeCurrent)

	// Everything is pinned, so the limit is exceeded rather than evicting.
	putPage(t, cf, disk, 10)
	assert.Equal(int64(1100), ct.Status().SizeCurrent)
	assert.Equal(uint32(11), ct.GetState().NumEntries)
	assert.Equal(uint32(11), ct.GetState().NumPinned)

	// The least recently used unpinned pair is written back and evicted.
	assert.NoError(cf.Unpin(0, cf.Hash(0), false, 0))
	waitFor(t, "eviction of key 0", func() bool {
		return ct.GetState().NumEntries == 10 && ct.Status().SizeWriting == 0
	})
	assert.Equal(int64(1000), ct.Status().SizeCurrent)
	assert.Equal(1, disk.count(disk.writes, 0))
	assert.Equal(1, disk.count(disk.evictions, 0))
	assert.Equal(uint64(1), ct.Status().WorkHighPriority)
	_, err := cf.GetKeyState(0, cf.Hash(0))
	assert.True(blunder.Is(err, blunder.NotFoundError))

	// At the limit with keys 1 and 2 unpinned, admitting key 11 first
	// evicts the least recently used of them.
	assert.NoError(cf.Unpin(1, cf.Hash(1), false, 0))
	assert.NoError(cf.Unpin(2, cf.Hash(2), false, 0))
	assert.Equal(uint32(10), ct.GetState().NumEntries)
	putPage(t, cf, disk, 11)
	waitFor(t, "eviction of key 1", func() bool {
		return ct.GetState().NumEntries == 10 && ct.Status().SizeWriting == 0
	})
	assert.Equal(1, disk.count(disk.writes, 1))
	assert.Equal(1, disk.count(disk.evictions, 1))
	assert.Equal(0, disk.count(disk.evictions, 2))
	_, err = cf.GetKeyState(1, cf.Hash(1))
	assert.True(blunder.Is(err, blunder.NotFoundError))
	_, err = cf.GetKeyState(2, cf.Hash(2))
	assert.NoError(err)
	keyState, err := cf.GetKeyState(11, cf.Hash(11))
	assert.NoError(err)
	assert.Equal(uint32(1), keyState.Pins)
	assert.Equal(int64(1000), ct.Status().SizeCurrent)

	value, _, err := cf.GetAndPin(0, cf.Hash(0), disk)
	assert.NoError(err)
	assert.Equal("put-0", value)
	assert.Equal(1, disk.count(disk.fetches, 0))

	for key := Key(0); key <= 11; key++ {
		if key == 1 || key == 2 {
			continue
		}
		assert.NoError(cf.Unpin(key, cf.Hash(key), false, 0))
	}
	waitFor(t, "write-back to drain", func() bool { return ct.Status().SizeWriting == 0 })
	assert.True(ct.Status().SizeCurrent <= 1000)
	assert.NoError(ct.Verify())

	assert.NoError(ct.Close())
}

func TestUnpinResizes(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "resize")
	disk := newTestDisk()

	putPage(t, cf, disk, 1)
	assert.NoError(cf.Unpin(1, cf.Hash(1), true, 300))
	assert.Equal(int64(300), ct.Status().SizeCurrent)

	keyState, err := cf.GetKeyState(1, cf.Hash(1))
	assert.NoError(err)
	assert.Equal(int64(300), keyState.Size)
	assert.NoError(ct.Verify())
	assert.NoError(ct.Close())
}

func TestMaybeGetAndPin(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "maybe")
	disk := newTestDisk()

	putPage(t, cf, disk, 1)
	assert.NoError(cf.Unpin(1, cf.Hash(1), false, 0))

	value, err := cf.MaybeGetAndPin(1, cf.Hash(1))
	assert.NoError(err)
	assert.Equal("put-1", value)
	assert.NoError(cf.Unpin(1, cf.Hash(1), false, 0))

	_, err = cf.MaybeGetAndPinClean(1, cf.Hash(1))
	assert.NoError(err)
	assert.NoError(cf.Unpin(1, cf.Hash(1), false, 0))

	// A checkpoint leaves the pair clean.
	assert.NoError(ct.Checkpoint(nil))
	assert.Equal(1, disk.count(disk.ckptWrites, 1))

	_, err = cf.MaybeGetAndPin(1, cf.Hash(1))
	assert.True(blunder.Is(err, blunder.NotFoundError))
	_, err = cf.MaybeGetAndPinClean(1, cf.Hash(1))
	assert.NoError(err)
	assert.NoError(cf.Unpin(1, cf.Hash(1), false, 0))

	_, err = cf.MaybeGetAndPin(99, cf.Hash(99))
	assert.True(blunder.Is(err, blunder.NotFoundError))

	status := ct.Status()
	assert.Equal(uint64(5), status.MaybeGetAndPins)
	assert.Equal(uint64(3), status.MaybeGetAndPinHits)

	assert.NoError(ct.Close())
}

func TestPinWhileWriting(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ct := newTestCachetable(t, 100, nil)
	cf := openTestFile(t, ct, "writing")
	disk := newTestDisk()
	gate := make(chan struct{})
	disk.writeGate = gate
	disk.writeCalled = make(chan Key, 1)

	putPage(t, cf, disk, 1)
	require.NoError(cf.Unpin(1, cf.Hash(1), false, 0))

	// Admitting key 2 starts the write-back of key 1.
	putPage(t, cf, disk, 2)
	assert.Equal(Key(1), <-disk.writeCalled)

	state, ok := ct.testPairState(cf, 1)
	require.True(ok)
	assert.Equal(pairWriting, state)

	_, err := cf.MaybeGetAndPin(1, cf.Hash(1))
	assert.True(blunder.Is(err, blunder.NotFoundError))
	_, err = cf.MaybeGetAndPinClean(1, cf.Hash(1))
	assert.True(blunder.Is(err, blunder.NotFoundError))

	type result struct {
		value interface{}
		err   error
	}
	resultChan := make(chan result, 1)
	go func() {
		value, _, err := cf.GetAndPin(1, cf.Hash(1), disk)
		resultChan <- result{value, err}
	}()
	waitFor(t, "GetAndPin to wait on the write", func() bool { return ct.Status().WaitWriting == 1 })

	disk.Lock()
	disk.writeGate = nil
	disk.writeCalled = nil
	disk.Unlock()
	close(gate)

	r := <-resultChan
	assert.NoError(r.err)
	assert.Equal("put-1", r.value)
	assert.Equal(1, disk.count(disk.writes, 1))

	// The waiting reader kept key 1 cached.
	keyState, err := cf.GetKeyState(1, cf.Hash(1))
	assert.NoError(err)
	assert.False(keyState.Dirty)

	assert.NoError(cf.Unpin(1, cf.Hash(1), false, 0))
	assert.NoError(cf.Unpin(2, cf.Hash(2), false, 0))
	waitFor(t, "write-back to drain", func() bool { return ct.Status().SizeWriting == 0 })
	assert.NoError(ct.Verify())
	assert.NoError(ct.Close())
}

func TestPrefetch(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "prefetch")
	disk := newTestDisk()
	disk.failFetch[8] = fmt.Errorf("bad media")

	assert.NoError(cf.Prefetch(5, cf.Hash(5), disk))
	waitFor(t, "prefetch of key 5", func() bool {
		state, ok := ct.testPairState(cf, 5)
		return ok && state == pairIdle
	})
	assert.NoError(cf.Prefetch(5, cf.Hash(5), disk))
	status := ct.Status()
	assert.Equal(uint64(1), status.Prefetches)
	assert.Equal(uint64(1), status.WorkEnqueued)
	assert.Equal(uint64(0), status.WorkHighPriority)
	assert.Equal(1, status.WorkMaxQueued)

	value, _, err := cf.GetAndPin(5, cf.Hash(5), disk)
	assert.NoError(err)
	assert.Equal("page-5", value)
	assert.NoError(cf.Unpin(5, cf.Hash(5), false, 0))

	status = ct.Status()
	assert.Equal(uint64(1), status.Hits)
	assert.Equal(uint64(0), status.Misses)
	assert.Equal(1, disk.count(disk.fetches, 5))

	assert.NoError(cf.Prefetch(8, cf.Hash(8), disk))
	waitFor(t, "failed prefetch of key 8 to be dropped", func() bool {
		_, ok := ct.testPairState(cf, 8)
		return !ok
	})
	assert.NoError(ct.Verify())
	assert.NoError(ct.Close())
}

func TestFetchFailure(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "enodev")
	disk := newTestDisk()
	disk.failFetch[7] = fmt.Errorf("bad media")

	_, _, err := cf.GetAndPin(7, cf.Hash(7), disk)
	assert.True(blunder.Is(err, blunder.NoDeviceError))
	assert.Contains(err.Error(), "bad media")

	_, err = cf.GetKeyState(7, cf.Hash(7))
	assert.True(blunder.Is(err, blunder.NotFoundError))
	assert.Equal(uint32(0), ct.GetState().NumEntries)
	assert.Equal(int64(0), ct.Status().SizeCurrent)
	assert.NoError(ct.Verify())

	delete(disk.failFetch, 7)
	_, _, err = cf.GetAndPin(7, cf.Hash(7), disk)
	assert.NoError(err)
	assert.NoError(cf.Unpin(7, cf.Hash(7), false, 0))
	assert.NoError(ct.Close())
}

func TestRename(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "rename")
	disk := newTestDisk()

	putPage(t, cf, disk, 1)
	assert.NoError(cf.Unpin(1, cf.Hash(1), false, 0))

	assert.NoError(cf.Rename(1, 2))
	_, err := cf.GetKeyState(1, cf.Hash(1))
	assert.True(blunder.Is(err, blunder.NotFoundError))
	keyState, err := cf.GetKeyState(2, cf.Hash(2))
	assert.NoError(err)
	assert.Equal("put-1", keyState.Value)
	assert.NoError(ct.Verify())

	err = cf.Rename(3, 4)
	assert.True(blunder.Is(err, blunder.NotFoundError))

	value, _, err := cf.GetAndPin(2, cf.Hash(2), disk)
	assert.NoError(err)
	assert.Equal("put-1", value)
	assert.NoError(cf.Unpin(2, cf.Hash(2), false, 0))
	assert.Equal(0, disk.count(disk.fetches, 2))

	assert.NoError(ct.Close())
	assert.Equal(1, disk.count(disk.writes, 2))
}

func TestUnpinAndRemove(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "remove")
	disk := newTestDisk()

	putPage(t, cf, disk, 1)
	assert.NoError(cf.UnpinAndRemove(1))
	_, err := cf.GetKeyState(1, cf.Hash(1))
	assert.True(blunder.Is(err, blunder.NotFoundError))
	assert.Equal(0, disk.count(disk.writes, 1))
	assert.Equal(1, disk.count(disk.evictions, 1))
	assert.Equal(int64(0), ct.Status().SizeCurrent)

	err = cf.UnpinAndRemove(1)
	assert.True(blunder.Is(err, blunder.NotFoundError))

	putPage(t, cf, disk, 2)
	assert.NoError(cf.Unpin(2, cf.Hash(2), false, 0))
	err = cf.UnpinAndRemove(2)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	assert.NoError(ct.Verify())
	assert.NoError(ct.Close())
}

func TestUnpinAndRemoveHandsOffToCheckpoint(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "handoff")
	disk := newTestDisk()

	putPage(t, cf, disk, 1)
	assert.NoError(ct.BeginCheckpoint())

	endErr := make(chan error, 1)
	go func() { endErr <- ct.EndCheckpoint(nil) }()
	waitFor(t, "checkpoint to wait for key 1", func() bool {
		ct.lock()
		defer ct.unlock()
		p, _ := ct.lookup(cf, 1, cf.Hash(1))
		return p.rwlock.BlockedWriters() == 1
	})

	assert.NoError(cf.UnpinAndRemove(1))
	assert.NoError(<-endErr)

	_, err := cf.GetKeyState(1, cf.Hash(1))
	assert.True(blunder.Is(err, blunder.NotFoundError))
	assert.Equal(0, disk.count(disk.writes, 1))
	assert.Equal(int64(0), ct.Status().SizeWriting)
	assert.NoError(ct.Verify())
	assert.NoError(ct.Close())
}

func TestClosedCachetable(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "closed")
	disk := newTestDisk()

	putPage(t, cf, disk, 1)
	assert.NoError(cf.Unpin(1, cf.Hash(1), false, 0))

	assert.NoError(ct.Close())
	assert.Equal(1, disk.count(disk.writes, 1))

	err := cf.Put(2, cf.Hash(2), "late", testPageSize, disk)
	assert.True(blunder.Is(err, blunder.NotActiveError))
	_, _, err = cf.GetAndPin(1, cf.Hash(1), disk)
	assert.True(blunder.Is(err, blunder.NotActiveError))
	err = ct.Checkpoint(nil)
	assert.True(blunder.Is(err, blunder.NotActiveError))
	err = ct.Close()
	assert.True(blunder.Is(err, blunder.NotActiveError))
}
