// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/google/btree"

	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/logger"
	"github.com/NVIDIA/cachetable/rwlock"
)

// FilenumNone is never assigned to a Cachefile.
const FilenumNone Filenum = math.MaxUint32

const devNull = os.DevNull

type checkpointState uint8

const (
	checkpointNotInProgress checkpointState = iota
	calledBeginCheckpoint
	calledCheckpoint
)

func (state checkpointState) String() string {
	switch state {
	case checkpointNotInProgress:
		return "NotInProgress"
	case calledBeginCheckpoint:
		return "CalledBeginCheckpoint"
	case calledCheckpoint:
		return "CalledCheckpoint"
	}
	return fmt.Sprintf("checkpointState(%d)", uint8(state))
}

// Cachefile is an open file whose pages are cached by a Cachetable.
type Cachefile struct {
	cachetable      *Cachetable
	refcount        uint64        // one per OpenFD*() not yet closed plus one while in a checkpoint
	isClosing       bool          // the last reference is being closed
	closeDone       chan struct{} // closed once removed from the Cachetable
	fdlock          rwlock.RWLock // read held while file is in use; write to swap or close it
	isDevNull       bool          //
	file            *os.File      //
	fileID          fileID        //
	filenum         Filenum       //
	fnameInEnv      string        //
	hooks           CheckpointHooks
	checkpointLock  rwlock.RWLock // serializes the hooks of global and local checkpoints
	forCheckpoint   bool          // pinned by the checkpoint in progress
	notedPin        bool          // NotePinByCheckpoint succeeded for that checkpoint
	checkpointState checkpointState

	mostRecentGlobalCheckpointThatFinishedEarly LSN
	forLocalCheckpoint                          LSN
}

// Less orders Cachefiles by Filenum in the Cachetable's btree.
func (cf *Cachefile) Less(than btree.Item) bool {
	return cf.filenum < itemFilenum(than)
}

type filenumItem Filenum

func (filenum filenumItem) Less(than btree.Item) bool {
	return Filenum(filenum) < itemFilenum(than)
}

func itemFilenum(item btree.Item) Filenum {
	switch item := item.(type) {
	case *Cachefile:
		return item.filenum
	case filenumItem:
		return Filenum(item)
	}
	consistencyFailure("cachetable.itemFilenum(): unexpected btree item %T", item)
	return FilenumNone
}

func (ct *Cachetable) cachefileOfFilenum(filenum Filenum) *Cachefile {
	item := ct.cachefiles.Get(filenumItem(filenum))
	if item == nil {
		return nil
	}
	return item.(*Cachefile)
}

func (ct *Cachetable) forEachCachefile(fn func(cf *Cachefile)) {
	ct.cachefiles.Ascend(func(item btree.Item) bool {
		fn(item.(*Cachefile))
		return true
	})
}

func (ct *Cachetable) isFilenumReserved(filenum Filenum) bool {
	_, ok, err := ct.reservedFilenums.GetByKey(uint32(filenum))
	if nil != err {
		consistencyFailure("cachetable.isFilenumReserved(%d): %v", filenum, err)
	}
	return ok
}

func (ct *Cachetable) unreserveFilenumLocked(filenum Filenum) bool {
	ok, err := ct.reservedFilenums.DeleteByKey(uint32(filenum))
	if nil != err {
		consistencyFailure("cachetable.unreserveFilenum(%d): %v", filenum, err)
	}
	return ok
}

// nextUnusedFilenum returns the first filenum at or after nextFilenum that is
// neither open nor reserved, wrapping past FilenumNone.
func (ct *Cachetable) nextUnusedFilenum() Filenum {
	for {
		if ct.nextFilenum == FilenumNone {
			ct.nextFilenum = 0
		}
		if ct.cachefileOfFilenum(ct.nextFilenum) == nil && !ct.isFilenumReserved(ct.nextFilenum) {
			return ct.nextFilenum
		}
		ct.nextFilenum++
	}
}

// ReserveFilenum sets aside a filenum for a later OpenFDWithFilenum(). If
// withFilenum is not set one is chosen.
func (ct *Cachetable) ReserveFilenum(withFilenum bool, filenum Filenum) (reserved Filenum, err error) {
	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		return
	}

	if withFilenum {
		if filenum == FilenumNone {
			err = blunder.NewError(blunder.InvalidArgError, "filenum %d may not be reserved", filenum)
			return
		}
		if ct.cachefileOfFilenum(filenum) != nil || ct.isFilenumReserved(filenum) {
			err = blunder.NewError(blunder.FilenumInUseError, "filenum %d already open or reserved", filenum)
			return
		}
	} else {
		filenum = ct.nextUnusedFilenum()
		ct.nextFilenum = filenum + 1
	}

	ok, err := ct.reservedFilenums.Put(uint32(filenum), true)
	if nil != err {
		consistencyFailure("cachetable.ReserveFilenum(%d): %v", filenum, err)
	}
	if !ok {
		consistencyFailure("cachetable.ReserveFilenum(%d): already reserved", filenum)
	}
	reserved = filenum
	return
}

// UnreserveFilenum releases a filenum set aside by ReserveFilenum().
func (ct *Cachetable) UnreserveFilenum(filenum Filenum) (err error) {
	ct.lock()
	defer ct.unlock()

	if !ct.unreserveFilenumLocked(filenum) {
		err = blunder.NewError(blunder.NotFoundError, "filenum %d not reserved", filenum)
	}
	return
}

// OpenFD adds file to the Cachetable under an automatically chosen filenum.
// The Cachetable owns file from here on, closing it even on error.
//
// If the underlying file is already open (by any name) its Cachefile gains
// a reference and is returned, and file is closed.
func (ct *Cachetable) OpenFD(file *os.File, fnameInEnv string) (cf *Cachefile, err error) {
	return ct.openFD(file, fnameInEnv, false, FilenumNone, false)
}

// OpenFDWithFilenum is OpenFD() with a caller chosen filenum. If filenum is
// reserved, reserved must be set and the reservation is consumed.
func (ct *Cachetable) OpenFDWithFilenum(file *os.File, fnameInEnv string, filenum Filenum, reserved bool) (cf *Cachefile, err error) {
	return ct.openFD(file, fnameInEnv, true, filenum, reserved)
}

func (ct *Cachetable) openFD(file *os.File, fnameInEnv string, withFilenum bool, filenum Filenum, reserved bool) (cf *Cachefile, err error) {
	id, err := getFileID(file)
	if nil != err {
		_ = file.Close()
		return
	}

	ct.openfdMutex.Lock()
	defer ct.openfdMutex.Unlock()

	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		_ = file.Close()
		return
	}

	for {
		var extant *Cachefile

		ct.forEachCachefile(func(scan *Cachefile) {
			if scan.fileID == id {
				extant = scan
			}
		})
		if extant == nil {
			break
		}
		if extant.isClosing {
			closeDone := extant.closeDone
			ct.unlocked(func() { <-closeDone })
			continue
		}
		if withFilenum && extant.filenum != filenum {
			_ = file.Close()
			err = blunder.NewError(blunder.FilenumInUseError, "%s already open as filenum %d", fnameInEnv, extant.filenum)
			return
		}
		extant.refcount++
		_ = file.Close()
		cf = extant
		return
	}

	if withFilenum {
		if filenum == FilenumNone || ct.cachefileOfFilenum(filenum) != nil {
			_ = file.Close()
			err = blunder.NewError(blunder.FilenumInUseError, "filenum %d already open", filenum)
			return
		}
		if ct.isFilenumReserved(filenum) {
			if !reserved {
				_ = file.Close()
				err = blunder.NewError(blunder.FilenumInUseError, "filenum %d is reserved", filenum)
				return
			}
			ct.unreserveFilenumLocked(filenum)
		}
	} else {
		filenum = ct.nextUnusedFilenum()
		ct.nextFilenum = filenum + 1
	}

	cf = &Cachefile{
		cachetable: ct,
		refcount:   1,
		closeDone:  make(chan struct{}),
		file:       file,
		fileID:     id,
		filenum:    filenum,
		fnameInEnv: fnameInEnv,
	}
	cf.fdlock.Init(&ct.mutex)
	cf.checkpointLock.Init(&ct.mutex)

	ct.cachefiles.ReplaceOrInsert(cf)

	logger.Infof("cachetable %s opened %s as filenum %d", ct.statsGroupName, fnameInEnv, filenum)
	return
}

// OpenFile opens fnameInEnv, resolved against the environment directory,
// and adds it with OpenFD().
func (ct *Cachetable) OpenFile(fnameInEnv string, flag int, perm os.FileMode) (cf *Cachefile, err error) {
	file, err := os.OpenFile(ct.FnameInCwd(fnameInEnv), flag, perm)
	if nil != err {
		err = blunder.AddError(err, blunder.NotFoundError)
		return
	}
	return ct.OpenFD(file, fnameInEnv)
}

// SetEnvDir sets the directory env-relative names resolve against. It may
// be changed only from the configured default, and only once.
func (ct *Cachetable) SetEnvDir(envDir string) (err error) {
	ct.lock()
	defer ct.unlock()

	if ct.envDirSet {
		err = blunder.NewError(blunder.InvalidArgError, "environment directory already set to %s", ct.envDir)
		return
	}
	ct.envDir = envDir
	ct.envDirSet = true
	return
}

// FnameInCwd resolves fnameInEnv against the environment directory.
func (ct *Cachetable) FnameInCwd(fnameInEnv string) string {
	if filepath.IsAbs(fnameInEnv) {
		return fnameInEnv
	}
	ct.lock()
	envDir := ct.envDir
	ct.unlock()
	return filepath.Join(envDir, fnameInEnv)
}

// CachefileOfFilenum returns the open Cachefile numbered filenum.
func (ct *Cachetable) CachefileOfFilenum(filenum Filenum) (cf *Cachefile, err error) {
	ct.lock()
	defer ct.unlock()

	cf = ct.cachefileOfFilenum(filenum)
	if cf == nil {
		err = blunder.NewError(blunder.NotFoundError, "filenum %d not open", filenum)
	}
	return
}

// CachefileOfInameInEnv returns the open Cachefile named fnameInEnv. A file
// being closed is waited for and then not found.
func (ct *Cachetable) CachefileOfInameInEnv(fnameInEnv string) (cf *Cachefile, err error) {
	ct.lock()
	defer ct.unlock()

	for {
		var found *Cachefile

		ct.forEachCachefile(func(scan *Cachefile) {
			if scan.fnameInEnv == fnameInEnv {
				found = scan
			}
		})
		if found == nil {
			err = blunder.NewError(blunder.NotFoundError, "%s not open", fnameInEnv)
			return
		}
		if !found.isClosing {
			cf = found
			return
		}
		closeDone := found.closeDone
		ct.unlocked(func() { <-closeDone })
	}
}

// Cachetable returns the Cachetable cf belongs to.
func (cf *Cachefile) Cachetable() *Cachetable {
	return cf.cachetable
}

// Filenum returns cf's filenum.
func (cf *Cachefile) Filenum() Filenum {
	return cf.filenum
}

// FnameInEnv returns the name cf was opened (or last redirected) by.
func (cf *Cachefile) FnameInEnv() (fnameInEnv string) {
	cf.cachetable.lock()
	fnameInEnv = cf.fnameInEnv
	cf.cachetable.unlock()
	return
}

// Hash returns the full hash of key within cf.
func (cf *Cachefile) Hash(key Key) uint32 {
	return Hash(cf.filenum, key)
}

// IsDevNull reports whether cf has been redirected to the null device. The
// caller should hold the file pinned with GetAndPinFD() or be in a hook.
func (cf *Cachefile) IsDevNull() bool {
	return cf.isDevNull
}

// SetHooks installs the per-file checkpoint and close callbacks.
func (cf *Cachefile) SetHooks(hooks CheckpointHooks) {
	cf.cachetable.lock()
	cf.hooks = hooks
	cf.cachetable.unlock()
}

// Hooks returns the callbacks installed by SetHooks().
func (cf *Cachefile) Hooks() (hooks CheckpointHooks) {
	cf.cachetable.lock()
	hooks = cf.hooks
	cf.cachetable.unlock()
	return
}

// AddReference takes another reference on cf, to be dropped by Close().
func (cf *Cachefile) AddReference() {
	cf.cachetable.lock()
	cf.refcount++
	cf.cachetable.unlock()
}

// SizeInMemory returns the bytes charged for cf's cached pairs.
func (cf *Cachefile) SizeInMemory() (size int64) {
	ct := cf.cachetable

	ct.lock()
	for _, head := range ct.table {
		for p := head; p != nil; p = p.hashChain {
			if p.cachefile == cf {
				size += p.size
			}
		}
	}
	ct.unlock()
	return
}

// CountPinned returns the number of cf's pairs that are pinned.
func (cf *Cachefile) CountPinned() (count int) {
	ct := cf.cachetable

	ct.lock()
	for p := ct.head; p != nil; p = p.next {
		if p.cachefile == cf && p.rwlock.Readers() > 0 {
			count++
		}
	}
	ct.unlock()
	return
}

// GetAndPinFD returns cf's file, holding it against Redirect() and Close()
// until UnpinFD().
func (cf *Cachefile) GetAndPinFD() (file *os.File) {
	ct := cf.cachetable

	ct.lock()
	cf.fdlock.PreferReadLock()
	file = cf.file
	ct.unlock()
	return
}

// UnpinFD releases GetAndPinFD().
func (cf *Cachefile) UnpinFD() {
	ct := cf.cachetable

	ct.lock()
	cf.fdlock.ReadUnlock()
	ct.unlock()
}

// Fsync flushes cf's file to stable storage. A file redirected to the null
// device succeeds without doing anything. The caller holds the file pinned.
func (cf *Cachefile) Fsync() (err error) {
	if cf.isDevNull {
		return
	}
	err = cf.file.Sync()
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}
	return
}

// Truncate sets the length of cf's file. Like Fsync(), it is a no-op on the
// null device and the caller holds the file pinned.
func (cf *Cachefile) Truncate(size int64) (err error) {
	if cf.isDevNull {
		return
	}
	err = cf.file.Truncate(size)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}
	return
}

// Flush writes back and evicts every pair of cf. Pinned pairs are waited for.
func (cf *Cachefile) Flush() (err error) {
	ct := cf.cachetable

	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		return
	}

	ct.flushCachefile(cf)
	return
}

// flushCachefile writes back and evicts every pair of cf, or of every file
// if cf is nil.
func (ct *Cachetable) flushCachefile(cf *Cachefile) {
	var list []*pair

	for _, head := range ct.table {
		for p := head; p != nil; p = p.hashChain {
			if cf == nil || p.cachefile == cf {
				list = append(list, p)
			}
		}
	}

	cq := make(chan *pair, len(list))
	nfound := 0
	for _, p := range list {
		// The lock is dropped by synchronous writes; skip pairs evicted meanwhile.
		if !ct.isInTable(p) {
			continue
		}
		nfound++
		p.cq = cq
		if p.state == pairIdle {
			ct.flushAndMaybeRemove(p, true)
		}
	}

	for i := 0; i < nfound; i++ {
		var p *pair

		ct.unlocked(func() { p = <-cq })
		switch p.state {
		case pairReading:
			p.cq = nil
			p.state = pairIdle
			p.rwlock.WriteUnlock()
			ct.maybeRemoveAndFreePair(p)
		case pairWriting:
			ct.completeWritePair(p, true)
		case pairInvalid:
			p.cq = nil
			ct.abortFetchPair(p)
		default:
			consistencyFailure("cachetable.flushCachefile(): key %d handed back %v", p.key, p.state)
		}
	}

	ct.assertCachefileIsFlushedAndRemoved(cf)
	ct.maybeShrink()
}

func (ct *Cachetable) assertCachefileIsFlushedAndRemoved(cf *Cachefile) {
	for _, head := range ct.table {
		for p := head; p != nil; p = p.hashChain {
			if cf == nil || p.cachefile == cf {
				consistencyFailure("cachetable: key %d of %s still cached after flush", p.key, p.cachefile.fnameInEnv)
			}
		}
	}
}

// Redirect replaces cf's file with newFile, now named fnameInEnv. Every pair
// of cf must already have been flushed. The old file is synced and closed.
func (cf *Cachefile) Redirect(newFile *os.File, fnameInEnv string) (err error) {
	ct := cf.cachetable

	id, err := getFileID(newFile)
	if nil != err {
		return
	}

	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		return
	}

	ct.forEachCachefile(func(scan *Cachefile) {
		if scan != cf && scan.fileID == id {
			err = blunder.NewError(blunder.FileExistsError, "redirect target %s already open as filenum %d", fnameInEnv, scan.filenum)
		}
	})
	if nil != err {
		return
	}

	return ct.redirect(cf, newFile, id, fnameInEnv, false)
}

// RedirectToNullDevice replaces cf's file with the null device. Later
// fetches fail, and writes, Fsync() and Truncate() do nothing.
func (cf *Cachefile) RedirectToNullDevice() (err error) {
	ct := cf.cachetable

	nullFile, err := os.OpenFile(devNull, os.O_WRONLY, 0)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}
	id, err := getFileID(nullFile)
	if nil != err {
		_ = nullFile.Close()
		return
	}

	ct.lock()
	defer ct.unlock()

	return ct.redirect(cf, nullFile, id, cf.fnameInEnv, true)
}

func (ct *Cachetable) redirect(cf *Cachefile, newFile *os.File, id fileID, fnameInEnv string, isDevNull bool) (err error) {
	ct.assertCachefileIsFlushedAndRemoved(cf)

	cf.fdlock.WriteLock()
	defer cf.fdlock.WriteUnlock()

	oldFile := cf.file
	oldIsDevNull := cf.isDevNull
	ct.unlocked(func() {
		if !oldIsDevNull {
			err = oldFile.Sync()
		}
		closeErr := oldFile.Close()
		if nil == err {
			err = closeErr
		}
	})
	if nil != err {
		logger.ErrorfWithError(err, "cachetable %s redirect of %s failed to release old file", ct.statsGroupName, cf.fnameInEnv)
		err = blunder.AddError(err, blunder.IOError)
	}

	cf.file = newFile
	cf.fileID = id
	cf.fnameInEnv = fnameInEnv
	cf.isDevNull = isDevNull

	logger.Infof("cachetable %s redirected filenum %d to %s", ct.statsGroupName, cf.filenum, newFile.Name())
	return
}

// Close drops a reference to cf. Dropping the last one flushes and evicts
// cf's pairs, calls the Close hook and then syncs and closes the file. If
// the Close hook fails its error string and error are returned; the file is
// closed regardless.
//
// lsnValid and lsn are passed to the Close hook. A checkpoint in progress
// holds its own reference, so the file closes when the checkpoint ends.
func (cf *Cachefile) Close(lsnValid bool, lsn LSN) (errorString string, err error) {
	ct := cf.cachetable

	ct.lock()
	defer ct.unlock()

	if cf.refcount == 0 {
		consistencyFailure("cachetable: close of %s with no references", cf.fnameInEnv)
	}
	cf.refcount--
	if cf.refcount > 0 {
		return
	}

	return ct.closeCachefile(cf, lsnValid, lsn)
}

func (ct *Cachetable) closeCachefile(cf *Cachefile, lsnValid bool, lsn LSN) (errorString string, err error) {
	if cf.forCheckpoint {
		consistencyFailure("cachetable: close of %s while it is in a checkpoint", cf.fnameInEnv)
	}

	cf.isClosing = true

	ct.flushCachefile(cf)

	if cf.hooks != nil {
		hooks := cf.hooks

		cf.fdlock.PreferReadLock()
		file := cf.file
		ct.unlocked(func() { errorString, err = hooks.Close(cf, file, lsnValid, lsn) })
		cf.fdlock.ReadUnlock()
		if nil != err {
			logger.ErrorfWithError(err, "cachetable %s close hook of %s failed: %s", ct.statsGroupName, cf.fnameInEnv, errorString)
		}
	}
	cf.hooks = nil

	ct.cachefiles.Delete(cf)
	close(cf.closeDone)

	cf.fdlock.WriteLock()
	file := cf.file
	isDevNull := cf.isDevNull
	var syncErr, closeErr error
	ct.unlocked(func() {
		if !isDevNull {
			syncErr = file.Sync()
		}
		closeErr = file.Close()
	})
	cf.fdlock.WriteUnlock()

	if nil != syncErr {
		logger.ErrorfWithError(syncErr, "cachetable %s fsync of %s failed", ct.statsGroupName, cf.fnameInEnv)
	}
	if nil != closeErr {
		logger.ErrorfWithError(closeErr, "cachetable %s close of %s failed", ct.statsGroupName, cf.fnameInEnv)
	}
	if nil == err {
		if nil != syncErr {
			err = blunder.AddError(syncErr, blunder.IOError)
		} else if nil != closeErr {
			err = blunder.AddError(closeErr, blunder.IOError)
		}
	}

	logger.Infof("cachetable %s closed filenum %d (%s)", ct.statsGroupName, cf.filenum, cf.fnameInEnv)
	return
}
