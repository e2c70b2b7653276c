// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"sync"
	"time"

	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/logger"
)

// checkpointerStruct runs Checkpoint() every period. A zero period idles it.
type checkpointerStruct struct {
	sync.Mutex
	ct         *Cachetable
	period     time.Duration
	stopped    bool
	changeChan chan struct{} // buffered; wakes the daemon to re-read period
	stopChan   chan struct{}
	doneChan   chan struct{}
}

func startCheckpointer(ct *Cachetable, period time.Duration) (checkpointer *checkpointerStruct) {
	checkpointer = &checkpointerStruct{
		ct:         ct,
		period:     period,
		changeChan: make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
	go checkpointer.daemon()
	return
}

func (checkpointer *checkpointerStruct) daemon() {
	defer close(checkpointer.doneChan)

	for {
		var (
			timer     *time.Timer
			timerChan <-chan time.Time
		)

		checkpointer.Lock()
		period := checkpointer.period
		checkpointer.Unlock()

		if period > 0 {
			timer = time.NewTimer(period)
			timerChan = timer.C
		}

		select {
		case <-checkpointer.stopChan:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-checkpointer.changeChan:
			if timer != nil {
				timer.Stop()
			}
		case <-timerChan:
			// Checkpoint() counts and logs failures; keep going regardless.
			err := checkpointer.ct.Checkpoint(nil)
			if nil != err {
				logger.WarnfWithError(err, "periodic checkpoint of cachetable %s failed; retrying in %v", checkpointer.ct.statsGroupName, period)
			}
		}
	}
}

func (checkpointer *checkpointerStruct) stop() {
	checkpointer.Lock()
	if checkpointer.stopped {
		checkpointer.Unlock()
		return
	}
	checkpointer.stopped = true
	checkpointer.Unlock()

	close(checkpointer.stopChan)
	<-checkpointer.doneChan
}

// SetCheckpointPeriod changes how often the periodic checkpointer runs. A
// zero period disables it.
func (ct *Cachetable) SetCheckpointPeriod(period time.Duration) (err error) {
	if period < 0 {
		return blunder.NewError(blunder.InvalidArgError, "checkpoint period %v is negative", period)
	}

	checkpointer := ct.checkpointer
	checkpointer.Lock()
	if checkpointer.stopped {
		checkpointer.Unlock()
		return blunder.NewError(blunder.NotActiveError, "checkpointer of cachetable %s has been stopped", ct.statsGroupName)
	}
	checkpointer.period = period
	checkpointer.Unlock()

	select {
	case checkpointer.changeChan <- struct{}{}:
	default:
	}
	return
}

// GetCheckpointPeriod returns the periodic checkpointer's period.
func (ct *Cachetable) GetCheckpointPeriod() (period time.Duration) {
	ct.checkpointer.Lock()
	period = ct.checkpointer.period
	ct.checkpointer.Unlock()
	return
}

// StopCheckpointer stops the periodic checkpointer, waiting for a
// checkpoint it started to finish. Close() does this too.
func (ct *Cachetable) StopCheckpointer() {
	ct.checkpointer.stop()
}
