// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/halter"
	"github.com/NVIDIA/cachetable/logger"
	"github.com/NVIDIA/cachetable/utils"
)

func checkpointFailed(err error, format string, args ...interface{}) error {
	return blunder.NewError(blunder.CheckpointFailedError, format+": %v", append(args, err)...)
}

// Checkpoint performs BeginCheckpoint() then EndCheckpoint(testCallback).
// Checkpoints are serialized.
func (ct *Cachetable) Checkpoint(testCallback func()) (err error) {
	ct.checkpointMutex.Lock()
	defer ct.checkpointMutex.Unlock()

	stopwatch := utils.NewStopwatch()

	ct.beginMutex.Lock()
	err = ct.BeginCheckpoint()
	ct.beginMutex.Unlock()

	if nil == err {
		err = ct.EndCheckpoint(testCallback)
	}

	if nil != err {
		ct.stats.CheckpointFailures.Increment()
		logger.ErrorfWithError(err, "cachetable %s checkpoint failed", ct.statsGroupName)
		return
	}

	ct.stats.Checkpoints.Increment()
	ct.stats.CheckpointUsec.Add(stopwatch.ElapsedUs())
	logger.Infof("cachetable %s checkpoint took %s", ct.statsGroupName, stopwatch.ElapsedString())
	return
}

// BeginCheckpoint starts a checkpoint: it pins every open file, logs the
// begin record (when there is a WAL) and marks every dirty pair pending so
// that it is written, as of now, before anyone can modify it again.
//
// Callers of BeginCheckpoint() and EndCheckpoint() must not overlap
// checkpoints; Checkpoint() does this for them.
func (ct *Cachetable) BeginCheckpoint() (err error) {
	if nil != ct.wal {
		for _, txn := range ct.wal.LiveTxns() {
			err = txn.UnpinRollbackLogForCheckpoint()
			if nil != err {
				return checkpointFailed(err, "unpin of rollback log of txn %d failed", txn.TxnID())
			}
		}
	}

	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		return
	}
	if len(ct.inCheckpoint) != 0 {
		consistencyFailure("cachetable.BeginCheckpoint(): checkpoint already in progress")
	}

	ct.lsnOfCheckpoint = ZeroLSN
	ct.checkpointFiles = 0
	ct.checkpointTxns = 0

	// Files already being closed are skipped; they are flushed by their close.
	ct.forEachCachefile(func(cf *Cachefile) {
		if cf.isClosing {
			return
		}
		ct.inCheckpoint = append(ct.inCheckpoint, cf)
		cf.forCheckpoint = true
		cf.refcount++
	})

	for _, cf := range ct.inCheckpoint {
		if cf.hooks == nil {
			continue
		}
		err = cf.hooks.NotePinByCheckpoint(cf)
		if nil != err {
			ct.abortCheckpointLocked()
			return checkpointFailed(err, "pin of %s failed", cf.fnameInEnv)
		}
		cf.notedPin = true
	}

	if nil != ct.wal {
		ct.lsnOfCheckpoint, err = ct.wal.LogBeginCheckpoint()
		if nil != err {
			ct.abortCheckpointLocked()
			return checkpointFailed(err, "logging begin checkpoint failed")
		}
		halter.Trigger(halter.CachetableBeginCheckpointAfterLogBegin)

		for _, cf := range ct.inCheckpoint {
			if cf.hooks == nil {
				continue
			}
			err = cf.hooks.LogFassociateDuringCheckpoint(cf)
			if nil != err {
				ct.abortCheckpointLocked()
				return checkpointFailed(err, "logging association of %s failed", cf.fnameInEnv)
			}
			ct.checkpointFiles++
		}

		liveTxns := ct.wal.LiveTxns()
		ct.checkpointTxns = uint32(len(liveTxns))
		for _, txn := range liveTxns {
			err = ct.wal.LogXStillOpen(txn)
			if nil != err {
				ct.abortCheckpointLocked()
				return checkpointFailed(err, "logging open txn %d failed", txn.TxnID())
			}
		}

		for _, cf := range ct.inCheckpoint {
			if cf.hooks == nil {
				continue
			}
			err = cf.hooks.LogSuppressRollbackDuringCheckpoint(cf)
			if nil != err {
				ct.abortCheckpointLocked()
				return checkpointFailed(err, "logging rollback suppression of %s failed", cf.fnameInEnv)
			}
		}
	}

	// Pairs being fetched are clean, so only IDLE and WRITING pairs matter.
	ct.pendingLock.WriteLock()
	for p := ct.head; p != nil; p = p.next {
		if p.checkpointPending {
			consistencyFailure("cachetable.BeginCheckpoint(): key %d still pending from a previous checkpoint", p.key)
		}
		if p.cachefile.forCheckpoint && p.dirty && (p.state == pairIdle || p.state == pairWriting) {
			p.checkpointPending = true
			ct.pendingAdd(p)
		}
	}
	ct.pendingLock.WriteUnlock()
	halter.Trigger(halter.CachetableBeginCheckpointAfterMarkPending)

	for _, cf := range ct.inCheckpoint {
		if cf.hooks == nil {
			continue
		}

		cf.fdlock.PreferReadLock()
		cf.checkpointLock.WriteLock()
		if cf.checkpointState != checkpointNotInProgress {
			consistencyFailure("cachetable.BeginCheckpoint(): %s in checkpoint state %v", cf.fnameInEnv, cf.checkpointState)
		}
		hooks, file, lsn := cf.hooks, cf.file, ct.lsnOfCheckpoint
		ct.unlocked(func() { err = hooks.BeginCheckpoint(cf, file, lsn) })
		if nil == err {
			cf.checkpointState = calledBeginCheckpoint
		}
		cf.checkpointLock.WriteUnlock()
		cf.fdlock.ReadUnlock()

		if nil != err {
			ct.abortCheckpointLocked()
			return checkpointFailed(err, "begin checkpoint of %s failed", cf.fnameInEnv)
		}
	}

	return
}

// abortCheckpointLocked unwinds a failed BeginCheckpoint(): pending marks
// are cleared and every file is released. No Checkpoint or EndCheckpoint
// hook runs, so each file's previous checkpoint stays its recovery point.
func (ct *Cachetable) abortCheckpointLocked() {
	ct.pendingLock.WriteLock()
	for p := ct.pendingHead; p != nil; p = ct.pendingHead {
		p.checkpointPending = false
		ct.pendingRemove(p)
	}
	ct.pendingLock.WriteUnlock()

	for _, cf := range ct.inCheckpoint {
		cf.fdlock.PreferReadLock()
		cf.checkpointLock.WriteLock()
		cf.checkpointState = checkpointNotInProgress
		cf.checkpointLock.WriteUnlock()
		cf.fdlock.ReadUnlock()
	}

	releaseErr := ct.releaseCheckpointFiles()
	if nil != releaseErr {
		logger.WarnfWithError(releaseErr, "cachetable %s release of files after failed begin checkpoint", ct.statsGroupName)
	}
}

// releaseCheckpointFiles drops the checkpoint's hold on each file, closing
// any whose last other reference went away during the checkpoint.
func (ct *Cachetable) releaseCheckpointFiles() (err error) {
	inCheckpoint := ct.inCheckpoint
	ct.inCheckpoint = nil

	for _, cf := range inCheckpoint {
		cf.forCheckpoint = false
		if cf.hooks != nil && cf.notedPin {
			cf.notedPin = false
			hooks := cf.hooks
			var unpinErr error
			ct.unlocked(func() { unpinErr = hooks.NoteUnpinByCheckpoint(cf) })
			if nil != unpinErr {
				logger.ErrorfWithError(unpinErr, "cachetable %s unpin of %s by checkpoint failed", ct.statsGroupName, cf.fnameInEnv)
				if nil == err {
					err = unpinErr
				}
			}
		}

		cf.refcount--
		if cf.refcount == 0 {
			_, closeErr := ct.closeCachefile(cf, false, ZeroLSN)
			if nil != closeErr && nil == err {
				err = closeErr
			}
		}
	}
	return
}

// EndCheckpoint finishes the checkpoint started by BeginCheckpoint(): every
// still pending pair is written, each file's Checkpoint and EndCheckpoint
// hooks run, testCallback (if any) is called and finally the end record is
// logged. A hook failure abandons the checkpoint without logging its end;
// the previous checkpoint remains the recovery point.
func (ct *Cachetable) EndCheckpoint(testCallback func()) (err error) {
	ct.lock()

	for p := ct.pendingHead; p != nil; p = ct.pendingHead {
		ct.pendingRemove(p)
		ct.writePairForCheckpoint(p, false)
	}
	halter.Trigger(halter.CachetableEndCheckpointAfterDrainPending)

	for _, cf := range ct.inCheckpoint {
		if cf.hooks == nil || nil != err {
			continue
		}
		cf.fdlock.PreferReadLock()
		cf.checkpointLock.WriteLock()
		if nil == ct.wal || ct.lsnOfCheckpoint != cf.mostRecentGlobalCheckpointThatFinishedEarly {
			switch cf.checkpointState {
			case calledBeginCheckpoint:
				hooks, file := cf.hooks, cf.file
				ct.unlocked(func() { err = hooks.Checkpoint(cf, file) })
				if nil == err {
					cf.checkpointState = calledCheckpoint
				} else {
					err = checkpointFailed(err, "checkpoint of %s failed", cf.fnameInEnv)
				}
			case calledCheckpoint:
				// A local checkpoint got this far before failing.
			default:
				consistencyFailure("cachetable.EndCheckpoint(): %s in checkpoint state %v", cf.fnameInEnv, cf.checkpointState)
			}
		} else if cf.checkpointState != checkpointNotInProgress {
			consistencyFailure("cachetable.EndCheckpoint(): %s finished early but in checkpoint state %v", cf.fnameInEnv, cf.checkpointState)
		}
		cf.checkpointLock.WriteUnlock()
		cf.fdlock.ReadUnlock()
	}

	for _, cf := range ct.inCheckpoint {
		if cf.hooks == nil {
			continue
		}
		cf.fdlock.PreferReadLock()
		cf.checkpointLock.WriteLock()
		if cf.checkpointState == calledCheckpoint && nil == err {
			hooks, file := cf.hooks, cf.file
			var endErr error
			ct.unlocked(func() { endErr = hooks.EndCheckpoint(cf, file) })
			if nil != endErr {
				err = checkpointFailed(endErr, "end checkpoint of %s failed", cf.fnameInEnv)
			}
		}
		cf.checkpointState = checkpointNotInProgress
		cf.checkpointLock.WriteUnlock()
		cf.fdlock.ReadUnlock()
	}

	releaseErr := ct.releaseCheckpointFiles()
	if nil == err && nil != releaseErr {
		err = checkpointFailed(releaseErr, "release of checkpointed files failed")
	}

	wal := ct.wal
	lsn, numFiles, numTxns := ct.lsnOfCheckpoint, ct.checkpointFiles, ct.checkpointTxns
	ct.unlock()

	if nil != err {
		return
	}

	if testCallback != nil {
		testCallback()
	}

	if nil != wal {
		halter.Trigger(halter.CachetableEndCheckpointBeforeLogEnd)
		err = wal.LogEndCheckpoint(lsn, numFiles, numTxns)
		if nil != err {
			return checkpointFailed(err, "logging end checkpoint failed")
		}
		wal.NoteCheckpoint(lsn)
		halter.Trigger(halter.CachetableEndCheckpointAfterLogEnd)
	}
	return
}

// LocalCheckpointForCommit checkpoints files on behalf of committing txn,
// independently of (and possibly during) a global checkpoint. A file whose
// global checkpoint is still in progress has it finished early.
func (ct *Cachetable) LocalCheckpointForCommit(txn Txn, files []*Cachefile) (err error) {
	if nil == ct.wal {
		return blunder.NewError(blunder.InvalidArgError, "cachetable %s has no WAL for local checkpoints", ct.statsGroupName)
	}

	ct.beginMutex.Lock()
	defer ct.beginMutex.Unlock()

	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		return
	}

	ct.stats.LocalCheckpoints.Increment()
	ct.stats.LocalCheckpointFiles.Add(uint64(len(files)))

	lsn, err := ct.wal.LogLocalTxnCheckpoint(txn.TxnID())
	if nil != err {
		return checkpointFailed(err, "logging local checkpoint of txn %d failed", txn.TxnID())
	}

	for _, cf := range files {
		if cf.forLocalCheckpoint != ZeroLSN {
			consistencyFailure("cachetable.LocalCheckpointForCommit(): %s already in local checkpoint %d", cf.fnameInEnv, cf.forLocalCheckpoint)
		}
		cf.forLocalCheckpoint = lsn
	}
	defer func() {
		for _, cf := range files {
			cf.forLocalCheckpoint = ZeroLSN
		}
	}()

	var list []*pair
	ct.pendingLock.WriteLock()
	for p := ct.head; p != nil; p = p.next {
		if p.cachefile.forLocalCheckpoint == lsn && p.dirty && (p.state == pairIdle || p.state == pairWriting) {
			list = append(list, p)
		}
	}
	ct.pendingLock.WriteUnlock()

	for _, p := range list {
		// Earlier writes dropped the lock; p may have been evicted.
		if ct.isInTable(p) {
			ct.writePairForCheckpoint(p, true)
		}
	}

	for _, cf := range files {
		err = ct.localCheckpointFile(cf, lsn)
		if nil != err {
			return checkpointFailed(err, "local checkpoint of %s for txn %d failed", cf.fnameInEnv, txn.TxnID())
		}
	}
	return
}

// localCheckpointFile runs cf's hooks for a local checkpoint at lsn,
// finishing cf's part of a global checkpoint first if one is in progress.
func (ct *Cachetable) localCheckpointFile(cf *Cachefile, lsn LSN) (err error) {
	if cf.hooks == nil {
		return
	}

	cf.fdlock.PreferReadLock()
	defer cf.fdlock.ReadUnlock()
	cf.checkpointLock.WriteLock()
	defer cf.checkpointLock.WriteUnlock()

	hooks, file := cf.hooks, cf.file
	call := func(fn func() error) (err error) {
		ct.unlocked(func() { err = fn() })
		return
	}

	switch cf.checkpointState {
	case calledBeginCheckpoint:
		err = call(func() error { return hooks.Checkpoint(cf, file) })
		if nil != err {
			return
		}
		cf.checkpointState = calledCheckpoint
		fallthrough
	case calledCheckpoint:
		err = call(func() error { return hooks.EndCheckpoint(cf, file) })
		if nil != err {
			return
		}
		cf.checkpointState = checkpointNotInProgress
		if cf.mostRecentGlobalCheckpointThatFinishedEarly >= ct.lsnOfCheckpoint {
			consistencyFailure("cachetable: %s already finished global checkpoint %d early", cf.fnameInEnv, ct.lsnOfCheckpoint)
		}
		cf.mostRecentGlobalCheckpointThatFinishedEarly = ct.lsnOfCheckpoint
		ct.stats.LocalCheckpointsDuringCheckpoint.Increment()
	}

	// A failure from here on leaves no global checkpoint state behind.
	err = call(func() error { return hooks.BeginCheckpoint(cf, file, lsn) })
	if nil == err {
		err = call(func() error { return hooks.Checkpoint(cf, file) })
	}
	if nil == err {
		err = call(func() error { return hooks.EndCheckpoint(cf, file) })
	}
	cf.checkpointState = checkpointNotInProgress
	return
}
