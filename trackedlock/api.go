// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync"
)

/*
 * The trackedlock package provides an implementation of the sync.Mutex
 * interface that adds lock hold tracking. The cache table's coarse mutex is a
 * trackedlock.Mutex so that stalls caused by holding it across slow work show
 * up in the log.
 *
 * If lock tracking is enabled, the hold time is checked when a lock is
 * unlocked. If it was held longer than "LockHoldTimeLimit" a warning is logged
 * along with the stack traces of the Lock() and Unlock() calls. In addition, a
 * daemon, the trackedlock watcher, periodically checks whether any lock has
 * been locked too long and logs the stack of the goroutine that acquired it.
 *
 * The config variable "TrackedLock.LockHoldTimeLimit" is the hold time that
 * triggers warning messages being logged. If it is 0 then locks are not
 * tracked and the overhead of this package is minimal.
 *
 * The config variable "TrackedLock.LockCheckPeriod" is how often the daemon
 * checks tracked locks. If it is 0 then no daemon is created.
 *
 * trackedlock locks can be locked before this package is initialized, but they
 * will not be tracked until the first time they are locked after
 * initialization.
 */

// Mutex wraps sync.Mutex to add tracking of lock hold time and the stack
// trace of the locker. It satisfies sync.Locker so it can back a sync.Cond.
//
type Mutex struct {
	wrappedMutex sync.Mutex // the actual Mutex
	tracker      MutexTrack // tracking information for the Mutex
}

func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()

	m.tracker.lockTrack(m)
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedMutex.Unlock()
}

// IsLocked reports whether the Mutex is currently held. It is intended for
// assertions by the holder.
func (m *Mutex) IsLocked() bool {
	return m.tracker.isLocked()
}
