// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync/atomic"
	"time"

	"github.com/NVIDIA/cachetable/conf"
	"github.com/NVIDIA/cachetable/logger"
	"github.com/NVIDIA/cachetable/transitions"
)

func parseConfMap(confMap conf.ConfMap) (lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration) {
	var (
		err error
	)

	lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if err != nil {
		lockHoldTimeLimit = time.Duration(0)
	}

	// lockHoldTimeLimit must be >= 1 sec or 0
	if lockHoldTimeLimit < time.Second && lockHoldTimeLimit != 0 {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' value less then 1 sec; defaulting to '40s'")
		lockHoldTimeLimit = time.Duration(40 * time.Second)
	}

	lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if err != nil {
		lockCheckPeriod = time.Duration(0)
	}

	// lockCheckPeriod must be >= 1 sec or 0
	if lockCheckPeriod < time.Second && lockCheckPeriod != 0 {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' value less then 1 sec; defaulting to '20s'")
		lockCheckPeriod = time.Duration(20 * time.Second)
	}

	return
}

// Register trackedlock package with transitions so that transitions can call Up()/Down()/etc.
// at the appropriate times and config changes.
//
func init() {
	transitions.Register("trackedlock", &globals)
}

func (dummy *globalsStruct) startWatcher() {
	if globals.lockCheckPeriod == 0 || holdTimeLimit() == 0 {
		return
	}

	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})
	globals.lockCheckTicker = time.NewTicker(globals.lockCheckPeriod)
	go lockWatcher()
}

func (dummy *globalsStruct) stopWatcher() {
	if globals.lockCheckTicker != nil {
		globals.lockCheckTicker.Stop()
		globals.stopChan <- struct{}{}
		_ = <-globals.doneChan
		globals.lockCheckTicker = nil
	}
}

// Up initializes the package. Locks can be used before it is called but
// tracking will not start until the first Lock() call after it.
//
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod := parseConfMap(confMap)

	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %v  LockCheckPeriod %v", lockHoldTimeLimit, lockCheckPeriod)

	globals.mapMutex.Lock()
	globals.mutexMap = make(map[*MutexTrack]interface{}, 128)
	globals.mapMutex.Unlock()

	atomic.StoreInt64(&globals.lockHoldTimeLimit, int64(lockHoldTimeLimit))
	globals.lockCheckPeriod = lockCheckPeriod
	globals.lockWatcherLocksLogged = 16

	dummy.startWatcher()

	return
}

// SignaledStart does nothing (lock tracking is not changed until SignaledFinish() call)
func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod := parseConfMap(confMap)

	if lockHoldTimeLimit == holdTimeLimit() && lockCheckPeriod == globals.lockCheckPeriod {
		return
	}

	logger.Infof("trackedlock lock hold time limit/lock check period changing from %v/%v to %v/%v",
		holdTimeLimit(), globals.lockCheckPeriod, lockHoldTimeLimit, lockCheckPeriod)

	dummy.stopWatcher()

	atomic.StoreInt64(&globals.lockHoldTimeLimit, int64(lockHoldTimeLimit))
	globals.lockCheckPeriod = lockCheckPeriod

	dummy.startWatcher()

	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	logger.Infof("trackedlock.Down() called")

	dummy.stopWatcher()

	atomic.StoreInt64(&globals.lockHoldTimeLimit, 0)
	globals.lockCheckPeriod = 0

	globals.mapMutex.Lock()
	globals.mutexMap = nil
	globals.mapMutex.Unlock()

	return
}
