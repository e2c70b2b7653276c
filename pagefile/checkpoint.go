// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagefile

import (
	"os"

	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/bucketstats"
	"github.com/NVIDIA/cachetable/cachetable"
	"github.com/NVIDIA/cachetable/logger"
)

// fileHooks are a File's cachetable.CheckpointHooks. They are a separate
// type only because File.Close() is taken by the caller-facing close.
//
// LogFassociateDuringCheckpoint, LogSuppressRollbackDuringCheckpoint and the
// Note*ByCheckpoint pair run under the cachetable's lock.
type fileHooks struct {
	*File
}

func (f fileHooks) LogFassociateDuringCheckpoint(cf *cachetable.Cachefile) (err error) {
	if nil == f.log {
		return
	}
	err = f.log.LogFassociate(cf.Filenum(), f.fnameInEnv)
	return
}

// LogSuppressRollbackDuringCheckpoint logs, at the first checkpoint after
// Create, that the creation of the file is not to be rolled back.
func (f fileHooks) LogSuppressRollbackDuringCheckpoint(cf *cachetable.Cachefile) (err error) {
	f.Lock()
	defer f.Unlock()

	if nil == f.log || !f.created {
		return
	}
	err = f.log.LogSuppressRollback(cf.Filenum())
	if nil == err {
		f.created = false
	}
	return
}

func (f fileHooks) NotePinByCheckpoint(cf *cachetable.Cachefile) (err error) {
	f.Lock()
	f.checkpointPins++
	f.Unlock()
	return
}

func (f fileHooks) NoteUnpinByCheckpoint(cf *cachetable.Cachefile) (err error) {
	f.Lock()
	defer f.Unlock()

	if 0 == f.checkpointPins {
		err = blunder.NewError(blunder.InvalidArgError, "pagefile %s: unpin by checkpoint without pin", f.fnameInEnv)
		return
	}
	f.checkpointPins--
	return
}

// BeginCheckpoint snapshots the header as it will be once the checkpoint
// begun at lsn completes.
func (f fileHooks) BeginCheckpoint(cf *cachetable.Cachefile, file *os.File, lsn cachetable.LSN) (err error) {
	f.Lock()
	f.snapshot = f.header
	f.snapshot.CheckpointLSN = uint64(lsn)
	f.snapshot.CheckpointCount++
	f.snapshotValid = true
	f.Unlock()
	return
}

// Checkpoint writes the snapshot to block 0.
func (f fileHooks) Checkpoint(cf *cachetable.Cachefile, file *os.File) (err error) {
	f.Lock()
	defer f.Unlock()

	if !f.snapshotValid {
		err = blunder.NewError(blunder.InvalidArgError, "pagefile %s: checkpoint without begin", f.fnameInEnv)
		return
	}
	if cf.IsDevNull() {
		return
	}
	err = f.writeFileHeader(file, f.snapshot)
	return
}

// EndCheckpoint makes the checkpoint durable and adopts the snapshot.
func (f fileHooks) EndCheckpoint(cf *cachetable.Cachefile, file *os.File) (err error) {
	f.Lock()
	defer f.Unlock()

	if !f.snapshotValid {
		err = blunder.NewError(blunder.InvalidArgError, "pagefile %s: end checkpoint without begin", f.fnameInEnv)
		return
	}
	if !cf.IsDevNull() {
		err = file.Sync()
		if nil != err {
			err = blunder.AddError(err, blunder.IOError)
			return
		}
	}

	f.header = f.snapshot
	f.snapshotValid = false
	f.stats.Checkpoints.Increment()
	return
}

// Close is called once the last reference to the Cachefile is gone and all
// of its pages have been written. When lsn is valid it is recorded as the
// file's checkpoint LSN.
func (f fileHooks) Close(cf *cachetable.Cachefile, file *os.File, lsnValid bool, lsn cachetable.LSN) (errorString string, err error) {
	f.Lock()
	defer f.Unlock()

	if lsnValid && !cf.IsDevNull() {
		header := f.header
		header.CheckpointLSN = uint64(lsn)
		err = f.writeFileHeader(file, header)
		if nil != err {
			errorString = err.Error()
			logger.ErrorfWithError(err, "pagefile %s: writing header at close failed", f.fnameInEnv)
		} else {
			f.header = header
		}
	}

	f.closed = true
	bucketstats.UnRegister("pagefile", f.statsGroupName)
	return
}
