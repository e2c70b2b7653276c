// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"time"

	"github.com/NVIDIA/cachetable/bucketstats"
	"github.com/NVIDIA/cachetable/trackedlock"
)

type statsStruct struct {
	LockTaken                        bucketstats.Total
	LockReleased                     bucketstats.Total
	Hits                             bucketstats.Total
	Misses                           bucketstats.Total
	WaitReading                      bucketstats.Total
	WaitWriting                      bucketstats.Total
	WaitCheckpoint                   bucketstats.Total
	Puts                             bucketstats.Total
	Prefetches                       bucketstats.Total
	MaybeGetAndPins                  bucketstats.Total
	MaybeGetAndPinHits               bucketstats.Total
	LocalCheckpoints                 bucketstats.Total
	LocalCheckpointFiles             bucketstats.Total
	LocalCheckpointsDuringCheckpoint bucketstats.Total
	Checkpoints                      bucketstats.Total
	CheckpointFailures               bucketstats.Total
	MissUsec                         bucketstats.Average
	WaitUsec                         bucketstats.Average
	ChainLength                      bucketstats.BucketLog2
	CheckpointUsec                   bucketstats.BucketLog2
}

// ctMutex counts every acquisition and release of the coarse lock,
// including those made by condition variable waits.
type ctMutex struct {
	trackedlock.Mutex
	stats *statsStruct
}

func (m *ctMutex) Lock() {
	m.Mutex.Lock()
	m.stats.LockTaken.Increment()
}

func (m *ctMutex) Unlock() {
	m.stats.LockReleased.Increment()
	m.Mutex.Unlock()
}

func (ct *Cachetable) lock() {
	ct.mutex.Lock()
}

func (ct *Cachetable) unlock() {
	ct.mutex.Unlock()
}

// unlocked runs fn with the coarse lock dropped. Everything read under the
// lock before the call must be revalidated afterwards.
func (ct *Cachetable) unlocked(fn func()) {
	ct.mutex.Unlock()
	defer ct.mutex.Lock()
	fn()
}

func noteChainLength(stats *statsStruct, count int) {
	stats.ChainLength.Add(uint64(count))
}

// Status returns a snapshot of the Cachetable's counters and sizes.
func (ct *Cachetable) Status() (status Status) {
	ct.lock()
	status.SizeCurrent = ct.sizeCurrent
	status.SizeLimit = ct.sizeLimit
	status.SizeWriting = ct.sizeWriting
	wqStats := ct.wq.StatsLocked()
	ct.unlock()

	status.WorkQueued = wqStats.Queued
	status.WorkMaxQueued = wqStats.MaxQueued
	status.WorkEnqueued = wqStats.Enqueued
	status.WorkHighPriority = wqStats.HighPriority
	status.WorkersBusy = ct.pool.NumBusy()

	stats := ct.stats
	status.LockTaken = stats.LockTaken.TotalGet()
	status.LockReleased = stats.LockReleased.TotalGet()
	status.Hits = stats.Hits.TotalGet()
	status.Misses = stats.Misses.TotalGet()
	status.MissTime = time.Duration(stats.MissUsec.TotalGet()) * time.Microsecond
	status.WaitTime = time.Duration(stats.WaitUsec.TotalGet()) * time.Microsecond
	status.WaitReading = stats.WaitReading.TotalGet()
	status.WaitWriting = stats.WaitWriting.TotalGet()
	status.WaitCheckpoint = stats.WaitCheckpoint.TotalGet()
	status.Puts = stats.Puts.TotalGet()
	status.Prefetches = stats.Prefetches.TotalGet()
	status.MaybeGetAndPins = stats.MaybeGetAndPins.TotalGet()
	status.MaybeGetAndPinHits = stats.MaybeGetAndPinHits.TotalGet()
	status.LocalCheckpoints = stats.LocalCheckpoints.TotalGet()
	status.LocalCheckpointFiles = stats.LocalCheckpointFiles.TotalGet()
	status.LocalCheckpointsDuringCheckpoint = stats.LocalCheckpointsDuringCheckpoint.TotalGet()
	status.Checkpoints = stats.Checkpoints.TotalGet()
	status.CheckpointFailures = stats.CheckpointFailures.TotalGet()
	return
}

// MissCounts returns the number of misses and the total time spent fetching
// for them.
func (ct *Cachetable) MissCounts() (missCount uint64, missTime time.Duration) {
	missCount = ct.stats.Misses.TotalGet()
	missTime = time.Duration(ct.stats.MissUsec.TotalGet()) * time.Microsecond
	return
}
