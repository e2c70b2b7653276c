// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package cachetable implements a page cache for a transactional storage
// engine. Pages ("pairs") are identified by (Cachefile, Key) and are pinned
// (read-locked) by callers while in use. Memory is bounded by a size limit
// enforced by evicting the least recently used unpinned pairs. Dirty pairs
// are written back through a Codec supplied when the pair is created.
//
// A fuzzy checkpoint protocol (BeginCheckpoint followed by EndCheckpoint)
// produces a consistent on-disk snapshot while normal traffic continues:
// every pair dirty at begin is written exactly once, before it can be
// modified again, and per-file CheckpointHooks snapshot and persist file
// metadata.
//
// Errors are blunder errors:
//
//   blunder.PairExistsError        Put() of a key already present
//   blunder.NotFoundError          key, filenum or name not present
//   blunder.NoDeviceError          fetch of a page failed
//   blunder.FilenumInUseError      filenum already open or reserved
//   blunder.CheckpointFailedError  a checkpoint hook or WAL call failed
//   blunder.InvalidArgError        bad configuration or argument
//   blunder.IOError                fsync, truncate or close failed
//   blunder.NotActiveError         the Cachetable has been closed
//
// A Cachetable is guarded by one coarse mutex. It is never held while a
// Codec method or a per-file Close/BeginCheckpoint/Checkpoint/EndCheckpoint
// hook runs. LogFassociateDuringCheckpoint, LogSuppressRollbackDuringCheckpoint,
// NotePinByCheckpoint and the WAL calls made by BeginCheckpoint run with it
// held and must not call back into the Cachetable.
package cachetable

import (
	"os"
	"time"
)

// Key identifies a page within a Cachefile (typically a block number).
type Key int64

// Filenum identifies a Cachefile within a Cachetable.
type Filenum uint32

// LSN is a log sequence number assigned by the WAL.
type LSN uint64

// ZeroLSN is never assigned to a log record.
const ZeroLSN LSN = 0

// TxnID identifies a transaction.
type TxnID uint64

// Codec reads and writes the pages of a Cachefile. It is supplied per pair
// when the pair enters the cache.
type Codec interface {
	// Fetch reads the page for key from file, returning its in-memory value
	// and the number of bytes it is charged against the size limit.
	Fetch(cf *Cachefile, file *os.File, key Key, fullHash uint32) (value interface{}, size int64, err error)

	// Flush is called when a page is written back or dropped. If write is
	// set the page must be written to file. If keep is not set the page is
	// leaving the cache and value may be released. forCheckpoint is set
	// when the write is part of a checkpoint.
	Flush(cf *Cachefile, file *os.File, key Key, value interface{}, size int64, write bool, keep bool, forCheckpoint bool)
}

// CheckpointHooks are per-file callbacks invoked by the checkpoint protocol
// and when the last reference to a Cachefile is closed.
type CheckpointHooks interface {
	LogFassociateDuringCheckpoint(cf *Cachefile) (err error)
	LogSuppressRollbackDuringCheckpoint(cf *Cachefile) (err error)
	Close(cf *Cachefile, file *os.File, lsnValid bool, lsn LSN) (errorString string, err error)
	BeginCheckpoint(cf *Cachefile, file *os.File, lsn LSN) (err error)
	Checkpoint(cf *Cachefile, file *os.File) (err error)
	EndCheckpoint(cf *Cachefile, file *os.File) (err error)
	NotePinByCheckpoint(cf *Cachefile) (err error)
	NoteUnpinByCheckpoint(cf *Cachefile) (err error)
}

// Txn is a live transaction as seen by a checkpoint.
type Txn interface {
	TxnID() TxnID
	UnpinRollbackLogForCheckpoint() (err error)
}

// WAL is the write-ahead log the checkpoint protocol records itself in. A
// Cachetable may be created without one, in which case checkpoints write no
// log records and LocalCheckpointForCommit is unavailable.
type WAL interface {
	LogBeginCheckpoint() (lsn LSN, err error)
	LiveTxns() (txns []Txn)
	LogXStillOpen(txn Txn) (err error)
	LogEndCheckpoint(beginLSN LSN, numFiles uint32, numTxns uint32) (err error)
	NoteCheckpoint(beginLSN LSN)
	LogLocalTxnCheckpoint(txnID TxnID) (lsn LSN, err error)
}

// Status is a snapshot of a Cachetable's counters and sizes.
type Status struct {
	LockTaken                        uint64
	LockReleased                     uint64
	Hits                             uint64
	Misses                           uint64
	MissTime                         time.Duration
	WaitTime                         time.Duration
	WaitReading                      uint64
	WaitWriting                      uint64
	WaitCheckpoint                   uint64
	Puts                             uint64
	Prefetches                       uint64
	MaybeGetAndPins                  uint64
	MaybeGetAndPinHits               uint64
	LocalCheckpoints                 uint64
	LocalCheckpointFiles             uint64
	LocalCheckpointsDuringCheckpoint uint64
	Checkpoints                      uint64
	CheckpointFailures               uint64
	SizeCurrent                      int64
	SizeLimit                        int64
	SizeWriting                      int64
	WorkQueued                       int    // items waiting for a worker
	WorkMaxQueued                    int    // high water mark of WorkQueued
	WorkEnqueued                     uint64 // asynchronous fetches and writes ever queued
	WorkHighPriority                 uint64 // of which queued ahead of the rest
	WorkersBusy                      int
}

// KeyState describes one cached pair.
type KeyState struct {
	Value interface{}
	Dirty bool
	Pins  uint32
	Size  int64
}

// State describes a Cachetable's occupancy.
type State struct {
	NumEntries  uint32
	NumPinned   uint32
	HashSize    uint32
	SizeCurrent int64
	SizeLimit   int64
}
