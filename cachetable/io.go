// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/logger"
)

// waitWrite stalls while more than half of the cached bytes are queued for
// write-back.
func (ct *Cachetable) waitWrite() {
	for 2*ct.sizeWriting > ct.sizeCurrent {
		ct.wq.WaitWrite()
	}
}

// writePair passes p to its codec's Flush, writing it if it is dirty and
// writeMe is set. The caller holds p's write lock. On return the write lock
// has either been released or handed off through p.cq.
func (ct *Cachetable) writePair(p *pair) {
	ct.pendingLock.ReadLock()

	cf := p.cachefile
	codec := p.codec
	key := p.key
	value := p.value
	size := p.size
	doWrite := p.dirty && p.writeMe
	forCheckpoint := p.checkpointPending

	p.checkpointPending = false // the only place this is cleared

	cf.fdlock.PreferReadLock()
	ct.unlocked(func() {
		if cf.isDevNull {
			doWrite = false
		}
		codec.Flush(cf, cf.file, key, value, size, doWrite, true, forCheckpoint)
	})
	cf.fdlock.ReadUnlock()

	if p.dirty && p.writeMe {
		p.dirty = false
	}

	if p.checkpointPending {
		consistencyFailure("cachetable.writePair(): key %d re-marked checkpoint pending during write", key)
	}
	ct.pendingLock.ReadUnlock()

	if p.cq != nil {
		p.cq <- p
	} else {
		ct.completeWritePair(p, p.removeMe)
	}
}

// completeWritePair ends the write-back of p, releasing its write lock and
// then evicting it if doRemove is set and nobody else wants it.
func (ct *Cachetable) completeWritePair(p *pair, doRemove bool) {
	p.cq = nil
	p.state = pairIdle

	ct.sizeWriting -= p.size
	if ct.sizeWriting < 0 {
		consistencyFailure("cachetable.completeWritePair(): sizeWriting %d went negative", ct.sizeWriting)
	}
	if 8*ct.sizeWriting <= ct.sizeCurrent {
		ct.wq.WakeupWrite()
	}

	p.rwlock.WriteUnlock()
	if doRemove {
		ct.maybeRemoveAndFreePair(p)
	}
}

// maybeRemoveAndFreePair evicts p, without writing it, if no goroutine holds
// or waits for its lock.
func (ct *Cachetable) maybeRemoveAndFreePair(p *pair) {
	if p.rwlock.Users() != 0 {
		return
	}

	ct.removePair(p)

	cf := p.cachefile
	cf.fdlock.PreferReadLock()
	ct.unlocked(func() {
		p.codec.Flush(cf, cf.file, p.key, p.value, p.size, false, false, false)
	})
	cf.fdlock.ReadUnlock()
}

func (ct *Cachetable) abortFetchPair(p *pair) {
	p.rwlock.WriteUnlock()
}

// fetchPair reads p in through its codec. The caller holds p's write lock,
// which is released (or handed off through p.cq) on return.
func (ct *Cachetable) fetchPair(cf *Cachefile, p *pair) (err error) {
	var (
		codec    = p.codec
		key      = p.key
		fullHash = p.fullHash
		size     int64
		value    interface{}
	)

	cf.fdlock.PreferReadLock()
	ct.unlocked(func() {
		if cf.isDevNull {
			err = blunder.NewError(blunder.NoDeviceError, "%s has been redirected to %s", cf.fnameInEnv, devNull)
		} else {
			value, size, err = codec.Fetch(cf, cf.file, key, fullHash)
		}
	})
	cf.fdlock.ReadUnlock()

	if nil != err {
		ct.removePair(p)
		p.state = pairInvalid
		if p.cq != nil {
			p.cq <- p
			return
		}
		ct.abortFetchPair(p)
		return
	}

	ct.lruTouch(p)
	p.value = value
	p.size = size
	ct.sizeCurrent += size
	if p.cq != nil {
		p.cq <- p
		return
	}
	p.state = pairIdle
	p.rwlock.WriteUnlock()
	return
}

// flushAndMaybeRemove starts evicting p, writing it first if writeMe is set
// and it is dirty. Writes of dirty pairs go to the worker pool.
func (ct *Cachetable) flushAndMaybeRemove(p *pair, writeMe bool) {
	p.rwlock.WriteLock()
	p.state = pairWriting
	ct.sizeWriting += p.size
	p.writeMe = writeMe
	p.removeMe = true

	if !p.writeMe || (p.rwlock.Readers() == 0 && !p.dirty) {
		ct.writePair(p)
		return
	}

	p.removeMe = ct.config.EvictFromWriter
	if !ct.wq.EnqLocked(func() { ct.writer(p) }, true) {
		ct.writePair(p)
	}
}

// maybeFlushSome evicts least recently used, unpinned, idle pairs until
// size more bytes would fit. If everything is pinned the limit is exceeded.
func (ct *Cachetable) maybeFlushSome(size int64) {
	for size+ct.sizeCurrent > ct.sizeLimit+ct.sizeWriting {
		var victim *pair
		for p := ct.tail; p != nil; p = p.prev {
			if p.state == pairIdle && p.rwlock.Users() == 0 {
				victim = p
				break
			}
		}
		if victim == nil {
			return
		}
		ct.flushAndMaybeRemove(victim, true)
	}

	ct.maybeShrink()
}

// writePairForCheckpoint writes p if it is dirty and either writeIfDirty or
// it is still checkpoint pending. The caller holds the coarse lock.
func (ct *Cachetable) writePairForCheckpoint(p *pair, writeIfDirty bool) {
	if !p.dirty {
		return
	}

	p.rwlock.WriteLock()
	if p.state == pairWriting {
		consistencyFailure("cachetable.writePairForCheckpoint(): key %d is being written by the lock holder", p.key)
	}

	switch {
	case p.dirty && (writeIfDirty || p.checkpointPending):
		p.state = pairWriting
		ct.sizeWriting += p.size
		p.writeMe = true
		p.removeMe = false
		ct.writePair(p)
	case p.cq != nil:
		ct.sizeWriting += p.size // completeWritePair() discharges it
		p.cq <- p
	default:
		p.rwlock.WriteUnlock()
	}
}

// writer is the worker pool body for asynchronous write-back.
func (ct *Cachetable) writer(p *pair) {
	ct.lock()
	ct.writePair(p)
	ct.unlock()
}

// reader is the worker pool body for prefetch.
func (ct *Cachetable) reader(p *pair) {
	ct.lock()
	cf, key := p.cachefile, p.key
	err := ct.fetchPair(cf, p)
	ct.unlock()
	if nil != err {
		logger.WarnfWithError(err, "prefetch of key %d from %s failed", key, cf.fnameInEnv)
	}
}
