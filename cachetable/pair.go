// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"fmt"

	"github.com/NVIDIA/cachetable/logger"
	"github.com/NVIDIA/cachetable/rwlock"
)

type pairState uint8

const (
	pairInvalid pairState = iota // fetch failed; torn down once the write lock is released
	pairIdle                     // in memory
	pairReading                  // fetch in flight
	pairWriting                  // write-back in flight
)

func (state pairState) String() string {
	switch state {
	case pairInvalid:
		return "INVALID"
	case pairIdle:
		return "IDLE"
	case pairReading:
		return "READING"
	case pairWriting:
		return "WRITING"
	}
	return fmt.Sprintf("pairState(%d)", uint8(state))
}

// pair is one cached page. All fields are protected by the Cachetable's
// coarse lock.
type pair struct {
	cachefile         *Cachefile
	key               Key
	value             interface{}
	size              int64
	state             pairState
	dirty             bool
	verifyFlag        bool
	writeMe           bool // the write-back in progress should write if dirty
	removeMe          bool // the write-back in progress should evict on completion
	fullHash          uint32
	codec             Codec
	next              *pair // LRU; toward tail
	prev              *pair // LRU; toward head
	hashChain         *pair
	checkpointPending bool
	pendingNext       *pair
	pendingPrev       *pair
	rwlock            rwlock.RWLock
	cq                chan *pair // when set, completion is handed to the receiver instead
}

// consistencyFailure logs and panics. The table's invariants no longer hold
// and continuing risks writing corrupt pages.
func consistencyFailure(format string, args ...interface{}) {
	err := fmt.Errorf(format, args...)
	logger.PanicfWithError(err, "cachetable consistency failure")
}

// Hash returns the full hash of (filenum, key): Bob Jenkins' lookup3 final()
// mix of the filenum and both halves of the key. The bucket of a pair is its
// full hash masked by the (power of two) bucket count.
func Hash(filenum Filenum, key Key) uint32 {
	return final(uint32(filenum), uint32(uint64(key)>>32), uint32(uint64(key)))
}

func rot(x uint32, k uint32) uint32 {
	return (x << k) | (x >> (32 - k))
}

func final(a uint32, b uint32, c uint32) uint32 {
	c ^= b
	c -= rot(b, 14)
	a ^= c
	a -= rot(c, 11)
	b ^= a
	b -= rot(a, 25)
	c ^= b
	c -= rot(b, 16)
	a ^= c
	a -= rot(c, 4)
	b ^= a
	b -= rot(a, 14)
	c ^= b
	c -= rot(b, 24)
	return c
}

func (ct *Cachetable) bucket(fullHash uint32) uint32 {
	return fullHash & uint32(len(ct.table)-1)
}

// lookup finds the pair for (cf, key), also returning the number of chain
// entries examined.
func (ct *Cachetable) lookup(cf *Cachefile, key Key, fullHash uint32) (p *pair, count int) {
	for p = ct.table[ct.bucket(fullHash)]; p != nil; p = p.hashChain {
		count++
		if p.key == key && p.cachefile == cf {
			return
		}
	}
	return nil, count
}

// isInTable reports whether p is still hashed, i.e. has not been removed
// while the coarse lock was dropped.
func (ct *Cachetable) isInTable(p *pair) bool {
	for scan := ct.table[ct.bucket(p.fullHash)]; scan != nil; scan = scan.hashChain {
		if scan == p {
			return true
		}
	}
	return false
}

func (ct *Cachetable) rehash(newTableSize uint32) {
	if newTableSize < minTableSize || newTableSize&(newTableSize-1) != 0 {
		consistencyFailure("cachetable.rehash(%d): size must be a power of two >= %d", newTableSize, minTableSize)
	}
	newTable := make([]*pair, newTableSize)
	for i := range ct.table {
		for p := ct.table[i]; p != nil; p = ct.table[i] {
			h := p.fullHash & (newTableSize - 1)
			ct.table[i] = p.hashChain
			p.hashChain = newTable[h]
			newTable[h] = p
		}
	}
	ct.table = newTable
}

func (ct *Cachetable) maybeShrink() {
	if 4*ct.nInTable < uint32(len(ct.table)) && len(ct.table) > minTableSize {
		ct.rehash(uint32(len(ct.table)) / 2)
	}
}

func (ct *Cachetable) lruRemove(p *pair) {
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		if ct.tail != p {
			consistencyFailure("cachetable.lruRemove(): key %d has no successor but is not the tail", p.key)
		}
		ct.tail = p.prev
	}
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		if ct.head != p {
			consistencyFailure("cachetable.lruRemove(): key %d has no predecessor but is not the head", p.key)
		}
		ct.head = p.next
	}
	p.prev, p.next = nil, nil
}

func (ct *Cachetable) lruAddToList(p *pair) {
	p.prev = nil
	p.next = ct.head
	if ct.head != nil {
		ct.head.prev = p
	} else {
		ct.tail = p
	}
	ct.head = p
}

func (ct *Cachetable) lruTouch(p *pair) {
	ct.lruRemove(p)
	ct.lruAddToList(p)
}

func (ct *Cachetable) pendingAdd(p *pair) {
	if ct.pendingHead != nil {
		ct.pendingHead.pendingPrev = p
	}
	p.pendingNext = ct.pendingHead
	p.pendingPrev = nil
	ct.pendingHead = p
}

func (ct *Cachetable) pendingRemove(p *pair) {
	if p.pendingNext != nil {
		p.pendingNext.pendingPrev = p.pendingPrev
	}
	if p.pendingPrev != nil {
		p.pendingPrev.pendingNext = p.pendingNext
	} else if ct.pendingHead == p {
		ct.pendingHead = p.pendingNext
	}
	p.pendingPrev, p.pendingNext = nil, nil
}

func (ct *Cachetable) removeFromHashChain(p *pair) {
	h := ct.bucket(p.fullHash)
	if ct.table[h] == p {
		ct.table[h] = p.hashChain
		p.hashChain = nil
		return
	}
	for scan := ct.table[h]; scan != nil; scan = scan.hashChain {
		if scan.hashChain == p {
			scan.hashChain = p.hashChain
			p.hashChain = nil
			return
		}
	}
	consistencyFailure("cachetable.removeFromHashChain(): key %d not in its bucket", p.key)
}

// insertAt creates a pair, making it most recently used. The caller picks
// its lock state.
func (ct *Cachetable) insertAt(cf *Cachefile, key Key, value interface{}, state pairState, fullHash uint32, size int64, codec Codec, dirty bool) (p *pair) {
	p = &pair{
		cachefile: cf,
		key:       key,
		value:     value,
		fullHash:  fullHash,
		dirty:     dirty,
		size:      size,
		state:     state,
		codec:     codec,
	}
	p.rwlock.Init(&ct.mutex)
	ct.lruAddToList(p)
	h := ct.bucket(fullHash)
	p.hashChain = ct.table[h]
	ct.table[h] = p
	ct.nInTable++
	ct.sizeCurrent += size
	if ct.nInTable > uint32(len(ct.table)) {
		ct.rehash(uint32(len(ct.table)) * 2)
	}
	return
}

// removePair unlinks p from the LRU list, the pending list and its hash
// chain, and discharges its size.
func (ct *Cachetable) removePair(p *pair) {
	ct.lruRemove(p)
	ct.pendingRemove(p)
	if ct.nInTable == 0 {
		consistencyFailure("cachetable.removePair(): table is empty")
	}
	ct.nInTable--
	ct.removeFromHashChain(p)
	ct.sizeCurrent -= p.size
	if ct.sizeCurrent < 0 {
		consistencyFailure("cachetable.removePair(): sizeCurrent %d went negative", ct.sizeCurrent)
	}
}
