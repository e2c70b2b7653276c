// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"fmt"
	"strings"

	"github.com/NVIDIA/cachetable/blunder"
)

// Verify checks the Cachetable's internal structure, returning an error
// describing the first inconsistency found.
func (ct *Cachetable) Verify() (err error) {
	ct.lock()
	defer ct.unlock()

	var (
		nInHash      uint32
		sizeSum      int64
		writingSum   int64
		handedOff    bool
		pendingCount int
	)

	for p := ct.head; p != nil; p = p.next {
		p.verifyFlag = false
	}

	for h, head := range ct.table {
		for p := head; p != nil; p = p.hashChain {
			nInHash++
			if ct.bucket(p.fullHash) != uint32(h) {
				return blunder.NewError(blunder.CorruptRecordError, "key %d hashed to bucket %d found in bucket %d", p.key, ct.bucket(p.fullHash), h)
			}
			if p.fullHash != Hash(p.cachefile.filenum, p.key) {
				return blunder.NewError(blunder.CorruptRecordError, "key %d has stale full hash %08X", p.key, p.fullHash)
			}
			if p.state == pairInvalid {
				return blunder.NewError(blunder.CorruptRecordError, "key %d is INVALID but still hashed", p.key)
			}
			sizeSum += p.size
			if p.state == pairWriting {
				writingSum += p.size
			}
			if p.cq != nil {
				handedOff = true
			}
			p.verifyFlag = true
		}
	}
	if nInHash != ct.nInTable {
		return blunder.NewError(blunder.CorruptRecordError, "%d pairs hashed but nInTable is %d", nInHash, ct.nInTable)
	}

	var nInLRU uint32
	var prev *pair
	for p := ct.head; p != nil; p = p.next {
		nInLRU++
		if p.prev != prev {
			return blunder.NewError(blunder.CorruptRecordError, "LRU back link of key %d broken", p.key)
		}
		if !p.verifyFlag {
			return blunder.NewError(blunder.CorruptRecordError, "key %d in LRU list but not hashed", p.key)
		}
		prev = p
	}
	if prev != ct.tail {
		return blunder.NewError(blunder.CorruptRecordError, "LRU tail is not the last pair")
	}
	if nInLRU != ct.nInTable {
		return blunder.NewError(blunder.CorruptRecordError, "%d pairs in LRU list but nInTable is %d", nInLRU, ct.nInTable)
	}

	for p := ct.pendingHead; p != nil; p = p.pendingNext {
		pendingCount++
		if !p.verifyFlag {
			return blunder.NewError(blunder.CorruptRecordError, "key %d pending but not hashed", p.key)
		}
	}

	if sizeSum+ct.sizeReserved != ct.sizeCurrent {
		return blunder.NewError(blunder.CorruptRecordError, "pair sizes %d plus reserved %d != sizeCurrent %d", sizeSum, ct.sizeReserved, ct.sizeCurrent)
	}
	// A pair being handed off carries its size in sizeWriting without being WRITING.
	if !handedOff && writingSum != ct.sizeWriting {
		return blunder.NewError(blunder.CorruptRecordError, "WRITING pair sizes %d != sizeWriting %d", writingSum, ct.sizeWriting)
	}

	tableSize := uint32(len(ct.table))
	if tableSize < minTableSize || tableSize&(tableSize-1) != 0 {
		return blunder.NewError(blunder.CorruptRecordError, "table size %d is not a power of two >= %d", tableSize, minTableSize)
	}
	return
}

// AssertAllUnpinned returns blunder.DevBusyError if any pair is pinned.
func (ct *Cachetable) AssertAllUnpinned() (err error) {
	ct.lock()
	defer ct.unlock()

	for p := ct.head; p != nil; p = p.next {
		if p.rwlock.Users() > 0 {
			return blunder.NewError(blunder.DevBusyError, "key %d of %s is pinned: %v", p.key, p.cachefile.fnameInEnv, &p.rwlock)
		}
	}
	return
}

// GetKeyState returns the state of key's pair in cf.
func (cf *Cachefile) GetKeyState(key Key, fullHash uint32) (keyState KeyState, err error) {
	ct := cf.cachetable

	ct.lock()
	defer ct.unlock()

	p, count := ct.lookup(cf, key, fullHash)
	noteChainLength(ct.stats, count)
	if p == nil {
		err = blunder.NewError(blunder.NotFoundError, "key %d of %s not cached", key, cf.fnameInEnv)
		return
	}

	keyState = KeyState{
		Value: p.value,
		Dirty: p.dirty,
		Pins:  p.rwlock.Readers(),
		Size:  p.size,
	}
	return
}

// GetState returns the Cachetable's occupancy.
func (ct *Cachetable) GetState() (state State) {
	ct.lock()
	var numPinned uint32
	for p := ct.head; p != nil; p = p.next {
		if p.rwlock.Readers() > 0 {
			numPinned++
		}
	}
	state = State{
		NumEntries:  ct.nInTable,
		NumPinned:   numPinned,
		HashSize:    uint32(len(ct.table)),
		SizeCurrent: ct.sizeCurrent,
		SizeLimit:   ct.sizeLimit,
	}
	ct.unlock()
	return
}

// WorkqueueLoad returns the number of queued asynchronous operations and the
// number of worker goroutines.
func (ct *Cachetable) WorkqueueLoad() (numInQueue int, numWorkers int) {
	ct.lock()
	numInQueue = ct.wq.NumInQueueLocked()
	ct.unlock()
	numWorkers = ct.pool.NumWorkers()
	return
}

// MaybeFlushSome evicts until the cache is within its size limit (or
// everything left is pinned).
func (ct *Cachetable) MaybeFlushSome() (err error) {
	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		return
	}
	ct.maybeFlushSome(0)
	return
}

// DumpState formats every bucket and the pairs hashed there.
func (ct *Cachetable) DumpState() string {
	var sb strings.Builder

	ct.lock()
	defer ct.unlock()

	fmt.Fprintf(&sb, "cachetable %s: %d pairs in %d buckets, size %d/%d (%d writing)\n",
		ct.statsGroupName, ct.nInTable, len(ct.table), ct.sizeCurrent, ct.sizeLimit, ct.sizeWriting)
	for h, head := range ct.table {
		if head == nil {
			continue
		}
		fmt.Fprintf(&sb, "  [%d]", h)
		for p := head; p != nil; p = p.hashChain {
			fmt.Fprintf(&sb, " {filenum:%d key:%d size:%d state:%v dirty:%v lock:%v}",
				p.cachefile.filenum, p.key, p.size, p.state, p.dirty, &p.rwlock)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
