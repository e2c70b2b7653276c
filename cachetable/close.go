// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"github.com/NVIDIA/cachetable/bucketstats"
	"github.com/NVIDIA/cachetable/logger"
)

// Close stops the periodic checkpointer, writes back and evicts every pair
// and stops the worker pool. Cachefiles still open are not closed; later
// calls on them fail with blunder.NotActiveError.
func (ct *Cachetable) Close() (err error) {
	ct.checkpointer.stop()

	ct.checkpointMutex.Lock()
	defer ct.checkpointMutex.Unlock()

	ct.lock()
	err = ct.checkActive()
	if nil != err {
		ct.unlock()
		return
	}

	ct.flushCachefile(nil)
	if ct.sizeWriting != 0 {
		consistencyFailure("cachetable.Close(): sizeWriting %d after flushing everything", ct.sizeWriting)
	}
	ct.closed = true

	numOpen := ct.cachefiles.Len()
	ct.unlock()

	if numOpen > 0 {
		logger.Warnf("cachetable %s closed with %d files still open", ct.statsGroupName, numOpen)
	}

	ct.pool.Stop()
	bucketstats.UnRegister("cachetable", ct.statsGroupName)

	logger.Infof("cachetable %s closed", ct.statsGroupName)
	return
}
