// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package wal

import (
	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/cachetable"
	"github.com/NVIDIA/cachetable/logger"
)

// Txn is a transaction known to a Log. It implements cachetable.Txn.
type Txn struct {
	log                 *Log
	id                  cachetable.TxnID
	parent              *Txn
	rollbackLogPinned   bool
	rollbackUnpinsCount uint64
	done                bool
}

// Begin starts a transaction, nested in parent if parent is not nil.
func (log *Log) Begin(parent *Txn) (txn *Txn, err error) {
	log.Lock()
	defer log.Unlock()

	err = log.checkOpen()
	if nil != err {
		return
	}
	if nil != parent && parent.done {
		err = blunder.NewError(blunder.InvalidArgError, "wal: parent txn %d already finished", parent.id)
		return
	}

	log.lastTxnID++
	txn = &Txn{log: log, id: log.lastTxnID, parent: parent}

	ok, err := log.liveTxns.Put(uint64(txn.id), txn)
	if nil != err {
		logger.FatalfWithError(err, "wal: liveTxns.Put(%d) failed", txn.id)
	}
	if !ok {
		logger.Fatalf("wal: liveTxns.Put(%d) found txn already present", txn.id)
	}

	log.stats.TxnsBegun.Increment()
	return
}

func (txn *Txn) TxnID() cachetable.TxnID {
	return txn.id
}

// Parent returns the enclosing transaction, or nil.
func (txn *Txn) Parent() *Txn {
	return txn.parent
}

// PinRollbackLog notes that txn's in-progress rollback log is held in memory.
func (txn *Txn) PinRollbackLog() {
	txn.log.Lock()
	txn.rollbackLogPinned = true
	txn.log.Unlock()
}

// RollbackLogPinned reports whether txn's rollback log is pinned and how many
// times a checkpoint has unpinned it.
func (txn *Txn) RollbackLogPinned() (pinned bool, unpins uint64) {
	txn.log.Lock()
	pinned = txn.rollbackLogPinned
	unpins = txn.rollbackUnpinsCount
	txn.log.Unlock()
	return
}

// UnpinRollbackLogForCheckpoint releases txn's in-progress rollback log so a
// beginning checkpoint can capture it.
func (txn *Txn) UnpinRollbackLogForCheckpoint() (err error) {
	txn.log.Lock()
	if txn.rollbackLogPinned {
		txn.rollbackLogPinned = false
		txn.rollbackUnpinsCount++
	}
	txn.log.Unlock()
	return
}

// Commit ends txn.
func (txn *Txn) Commit() (err error) {
	err = txn.finish("commit")
	return
}

// Abort ends txn.
func (txn *Txn) Abort() (err error) {
	err = txn.finish("abort")
	return
}

func (txn *Txn) finish(how string) (err error) {
	log := txn.log

	log.Lock()
	defer log.Unlock()

	if txn.done {
		err = blunder.NewError(blunder.InvalidArgError, "wal: %s of txn %d already finished", how, txn.id)
		return
	}

	ok, err := log.liveTxns.DeleteByKey(uint64(txn.id))
	if nil != err {
		logger.FatalfWithError(err, "wal: liveTxns.DeleteByKey(%d) failed", txn.id)
	}
	if !ok {
		logger.Fatalf("wal: liveTxns.DeleteByKey(%d) did not find txn", txn.id)
	}

	txn.done = true
	return
}
