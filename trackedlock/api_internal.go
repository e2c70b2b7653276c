// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/cachetable/logger"
	"github.com/NVIDIA/cachetable/utils"
)

type globalsStruct struct {
	mapMutex               sync.Mutex                  // protects mutexMap
	mutexMap               map[*MutexTrack]interface{} // the Mutex like locks being watched
	lockHoldTimeLimit      int64                       // (time.Duration) locks held longer than this get logged; accessed atomically
	lockCheckPeriod        time.Duration               // check locks once each period
	lockWatcherLocksLogged int                         // max overlimit locks logged by lockWatcher()
	stopChan               chan struct{}               // time to shutdown and go home
	doneChan               chan struct{}               // shutdown complete
	lockCheckTicker        *time.Ticker                // ticker for lock check time
}

var globals globalsStruct

func holdTimeLimit() time.Duration {
	return time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))
}

// stackTraceObj holds the stack trace of one goroutine. We keep a pool of them around.
//
type stackTraceObj struct {
	stackTrace    []byte     // stack trace of current or last locker
	stackTraceBuf [4040]byte // storage for stack trace slice
}

var stackTraceObjPool = sync.Pool{
	New: func() interface{} {
		return &stackTraceObj{}
	},
}

// MutexTrack tracks a Mutex. Fields other than lockTime and lockCnt are only
// touched by the lock holder.
//
type MutexTrack struct {
	isWatched  bool           // true if lock is on list of checked mutexes
	lockCnt    int32          // 0 if unlocked, -1 locked; accessed atomically
	lockTime   int64          // UnixNano of last lock operation; accessed atomically
	lockerGoId uint64         // goroutine ID of the last locker
	lockStack  *stackTraceObj // stack trace when object was last locked
}

func (mt *MutexTrack) isLocked() bool {
	return -1 == atomic.LoadInt32(&mt.lockCnt)
}

func (mt *MutexTrack) lockTrack(wrappedLock interface{}) {
	atomic.StoreInt64(&mt.lockTime, time.Now().UnixNano())
	atomic.StoreInt32(&mt.lockCnt, -1)

	if 0 == holdTimeLimit() {
		return
	}

	mt.lockStack = stackTraceObjPool.Get().(*stackTraceObj)
	mt.lockStack.stackTrace = mt.lockStack.stackTraceBuf[:]

	cnt := runtime.Stack(mt.lockStack.stackTrace, false)
	mt.lockStack.stackTrace = mt.lockStack.stackTrace[0:cnt]
	mt.lockerGoId = utils.GetGID()

	if !mt.isWatched {
		globals.mapMutex.Lock()
		if nil != globals.mutexMap {
			globals.mutexMap[mt] = wrappedLock
			mt.isWatched = true
		}
		globals.mapMutex.Unlock()
	}
}

func (mt *MutexTrack) unlockTrack(wrappedLock interface{}) {
	limit := holdTimeLimit()

	if 0 != limit {
		now := time.Now()
		lockTime := time.Unix(0, atomic.LoadInt64(&mt.lockTime))
		if now.Sub(lockTime) >= limit {
			var buf [4040]byte
			cnt := runtime.Stack(buf[:], false)
			unlockStr := string(buf[0:cnt])

			// lockTime is recorded even when tracking is disabled, so lockStack may be missing
			lockStr := "goroutine 9999 [unknown]\nlocked before lock tracking enabled\n"
			if mt.lockStack != nil {
				lockStr = string(mt.lockStack.stackTrace)
			}
			logger.Warnf("Unlock(): %T at %p locked for %f sec; stack at call to Lock():\n%s stack at Unlock():\n%s",
				wrappedLock, wrappedLock, now.Sub(lockTime).Seconds(), lockStr, unlockStr)
		}
	}

	atomic.StoreInt32(&mt.lockCnt, 0)
	if mt.lockStack != nil {
		stackTraceObjPool.Put(mt.lockStack)
		mt.lockStack = nil
	}
}

// lockWatcher periodically looks for locks held beyond the limit and logs
// (up to lockWatcherLocksLogged of) them.
//
func lockWatcher() {
	defer func() { globals.doneChan <- struct{}{} }()

	for {
		select {
		case <-globals.stopChan:
			return
		case <-globals.lockCheckTicker.C:
		}

		limit := holdTimeLimit()
		now := time.Now()
		logged := 0

		globals.mapMutex.Lock()
		for mt, wrappedLock := range globals.mutexMap {
			if !mt.isLocked() {
				continue
			}
			heldFor := now.Sub(time.Unix(0, atomic.LoadInt64(&mt.lockTime)))
			if heldFor < limit {
				continue
			}
			logger.Warnf("trackedlock watcher: %T at %p held for %f sec (limit %v)",
				wrappedLock, wrappedLock, heldFor.Seconds(), limit)
			logged++
			if logged >= globals.lockWatcherLocksLogged {
				break
			}
		}
		globals.mapMutex.Unlock()
	}
}
