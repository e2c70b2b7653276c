// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/logger"
	"github.com/NVIDIA/cachetable/utils"
)

func (ct *Cachetable) checkActive() (err error) {
	if ct.closed {
		err = blunder.NewError(blunder.NotActiveError, "cachetable %s has been closed", ct.statsGroupName)
	}
	return
}

// Put inserts a new dirty pair for key and returns with it pinned.
//
// If key is already present Put fails with blunder.PairExistsError. The
// existing pair is left pinned and the caller must Unpin it.
func (cf *Cachefile) Put(key Key, fullHash uint32, value interface{}, size int64, codec Codec) (err error) {
	ct := cf.cachetable

	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		return
	}

	ct.waitWrite()

	p, count := ct.lookup(cf, key, fullHash)
	noteChainLength(ct.stats, count)
	if p == nil {
		ct.maybeFlushSome(size)
		// The lock may have been dropped while evicting.
		p, _ = ct.lookup(cf, key, fullHash)
	}
	if p != nil {
		p.rwlock.ReadLock()
		err = blunder.NewError(blunder.PairExistsError, "key %d already cached for %s", key, cf.fnameInEnv)
		return
	}

	ct.stats.Puts.Increment()
	p = ct.insertAt(cf, key, value, pairIdle, fullHash, size, codec, true)
	p.rwlock.ReadLock()

	ct.maybeFlushSome(0)
	return
}

// GetAndPin returns the value for key, fetching it through codec on a miss,
// and leaves it pinned.
//
// A failed fetch leaves nothing cached for key and returns
// blunder.NoDeviceError.
func (cf *Cachefile) GetAndPin(key Key, fullHash uint32, codec Codec) (value interface{}, size int64, err error) {
	ct := cf.cachetable

	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		return
	}

	ct.waitWrite()

	p, count := ct.lookup(cf, key, fullHash)
	noteChainLength(ct.stats, count)

	if p != nil {
		var stopwatch *utils.Stopwatch

		if p.rwlock.Writers() > 0 || p.rwlock.BlockedWriters() > 0 {
			if p.state == pairReading {
				ct.stats.WaitReading.Increment()
			} else {
				ct.stats.WaitWriting.Increment()
			}
			stopwatch = utils.NewStopwatch()
		} else if p.checkpointPending {
			ct.stats.WaitCheckpoint.Increment()
			stopwatch = utils.NewStopwatch()
		}

		if p.checkpointPending {
			ct.writePairForCheckpoint(p, false)
		}

		p.rwlock.ReadLock()

		if stopwatch != nil {
			ct.stats.WaitUsec.Add(stopwatch.ElapsedUs())
		}

		if p.state == pairInvalid {
			p.rwlock.ReadUnlock()
			err = blunder.NewError(blunder.NoDeviceError, "fetch of key %d from %s failed", key, cf.fnameInEnv)
			return
		}

		ct.lruTouch(p)
		ct.stats.Hits.Increment()
		value = p.value
		size = p.size
		return
	}

	p = ct.insertAt(cf, key, nil, pairReading, fullHash, 0, codec, false)
	p.rwlock.WriteLock()

	stopwatch := utils.NewStopwatch()
	fetchErr := ct.fetchPair(cf, p)
	if nil != fetchErr {
		err = blunder.NewError(blunder.NoDeviceError, "fetch of key %d from %s failed: %v", key, cf.fnameInEnv, fetchErr)
		return
	}
	ct.stats.Misses.Increment()
	ct.stats.MissUsec.Add(stopwatch.ElapsedUs())

	p.rwlock.ReadLock()
	if p.state != pairIdle {
		consistencyFailure("cachetable.GetAndPin(): key %d fetched but %v", key, p.state)
	}
	value = p.value
	size = p.size

	ct.maybeFlushSome(0)
	return
}

// MaybeGetAndPin pins key only if that can be done without blocking and the
// pair is dirty. It fails with blunder.NotFoundError otherwise.
func (cf *Cachefile) MaybeGetAndPin(key Key, fullHash uint32) (value interface{}, err error) {
	return cf.maybeGetAndPin(key, fullHash, true)
}

// MaybeGetAndPinClean is MaybeGetAndPin without the dirty requirement.
func (cf *Cachefile) MaybeGetAndPinClean(key Key, fullHash uint32) (value interface{}, err error) {
	return cf.maybeGetAndPin(key, fullHash, false)
}

func (cf *Cachefile) maybeGetAndPin(key Key, fullHash uint32, mustBeDirty bool) (value interface{}, err error) {
	ct := cf.cachetable

	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		return
	}

	ct.stats.MaybeGetAndPins.Increment()

	p, count := ct.lookup(cf, key, fullHash)
	noteChainLength(ct.stats, count)

	if p != nil &&
		p.state == pairIdle &&
		!p.checkpointPending &&
		(p.dirty || !mustBeDirty) &&
		p.rwlock.TryPreferReadLock() {
		ct.stats.MaybeGetAndPinHits.Increment()
		ct.lruTouch(p)
		value = p.value
		return
	}

	err = blunder.NewError(blunder.NotFoundError, "key %d of %s not pinnable without waiting", key, cf.fnameInEnv)
	return
}

// Unpin releases one pin on key. If dirty is set the pair is marked dirty.
// A non-zero size replaces the size the pair is charged at.
func (cf *Cachefile) Unpin(key Key, fullHash uint32, dirty bool, size int64) (err error) {
	ct := cf.cachetable

	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		return
	}

	p, count := ct.lookup(cf, key, fullHash)
	noteChainLength(ct.stats, count)
	if p == nil {
		err = blunder.NewError(blunder.NotFoundError, "key %d of %s not cached", key, cf.fnameInEnv)
		return
	}
	if p.rwlock.Readers() == 0 {
		err = blunder.NewError(blunder.InvalidArgError, "key %d of %s not pinned", key, cf.fnameInEnv)
		return
	}

	p.rwlock.ReadUnlock()
	if dirty {
		p.dirty = true
	}
	if size != 0 {
		ct.sizeCurrent += size - p.size
		if p.state == pairWriting {
			ct.sizeWriting += size - p.size
		}
		p.size = size
	}

	ct.maybeFlushSome(0)
	return
}

// Prefetch starts an asynchronous fetch of key if it is not cached.
func (cf *Cachefile) Prefetch(key Key, fullHash uint32, codec Codec) (err error) {
	ct := cf.cachetable

	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		return
	}

	p, count := ct.lookup(cf, key, fullHash)
	noteChainLength(ct.stats, count)
	if p != nil {
		ct.lruTouch(p)
		return
	}

	ct.stats.Prefetches.Increment()
	p = ct.insertAt(cf, key, nil, pairReading, fullHash, 0, codec, false)
	p.rwlock.WriteLock()
	if !ct.wq.EnqLocked(func() { ct.reader(p) }, false) {
		fetchErr := ct.fetchPair(cf, p)
		if nil != fetchErr {
			logger.WarnfWithError(fetchErr, "prefetch of key %d from %s failed", key, cf.fnameInEnv)
		}
	}
	return
}

// Rename rekeys a cached pair. Its full hash is recomputed from the new key.
func (cf *Cachefile) Rename(oldKey Key, newKey Key) (err error) {
	ct := cf.cachetable

	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		return
	}

	p, count := ct.lookup(cf, oldKey, Hash(cf.filenum, oldKey))
	noteChainLength(ct.stats, count)
	if p == nil {
		err = blunder.NewError(blunder.NotFoundError, "key %d of %s not cached", oldKey, cf.fnameInEnv)
		return
	}

	ct.removeFromHashChain(p)
	p.key = newKey
	p.fullHash = Hash(cf.filenum, newKey)
	h := ct.bucket(p.fullHash)
	p.hashChain = ct.table[h]
	ct.table[h] = p
	return
}

// UnpinAndRemove drops the caller's (only) pin on key and evicts it without
// writing it back. A checkpoint waiting to write the pair is let through
// first; it sees the pair clean.
func (cf *Cachefile) UnpinAndRemove(key Key) (err error) {
	ct := cf.cachetable

	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		return
	}

	p, count := ct.lookup(cf, key, Hash(cf.filenum, key))
	noteChainLength(ct.stats, count)
	if p == nil {
		err = blunder.NewError(blunder.NotFoundError, "key %d of %s not cached", key, cf.fnameInEnv)
		return
	}
	if p.rwlock.Readers() == 0 {
		err = blunder.NewError(blunder.InvalidArgError, "key %d of %s not pinned", key, cf.fnameInEnv)
		return
	}
	if p.rwlock.Readers() != 1 || p.rwlock.BlockedReaders() != 0 {
		consistencyFailure("cachetable.UnpinAndRemove(): key %d has other users: %v", key, &p.rwlock)
	}

	p.dirty = false
	p.rwlock.ReadUnlock()

	if p.rwlock.BlockedWriters() == 0 {
		ct.maybeRemoveAndFreePair(p)
		return
	}

	cq := make(chan *pair, 1)
	for p.rwlock.BlockedWriters() > 0 {
		var handedOff *pair

		p.cq = cq
		ct.unlocked(func() { handedOff = <-cq })
		if handedOff != p || p.rwlock.Writers() != 1 {
			consistencyFailure("cachetable.UnpinAndRemove(): unexpected hand off of key %d", key)
		}
		ct.completeWritePair(p, true)
	}
	return
}
