// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"github.com/NVIDIA/cachetable/blunder"
)

// ReserveMemory charges fraction of the size limit against the cache,
// evicting to make room, and returns the number of bytes reserved.
func (ct *Cachetable) ReserveMemory(fraction float64) (reserved uint64, err error) {
	if fraction < 0 || fraction > 1 {
		err = blunder.NewError(blunder.InvalidArgError, "reserve fraction %v not in [0,1]", fraction)
		return
	}

	ct.lock()
	defer ct.unlock()

	err = ct.checkActive()
	if nil != err {
		return
	}

	ct.waitWrite()

	reserved = uint64(fraction * float64(ct.sizeLimit))
	ct.maybeFlushSome(int64(reserved))
	ct.sizeCurrent += int64(reserved)
	ct.sizeReserved += int64(reserved)
	return
}

// ReleaseReservedMemory returns bytes obtained from ReserveMemory().
func (ct *Cachetable) ReleaseReservedMemory(reserved uint64) (err error) {
	ct.lock()
	defer ct.unlock()

	if int64(reserved) > ct.sizeReserved {
		err = blunder.NewError(blunder.InvalidArgError, "release of %d bytes exceeds the %d reserved", reserved, ct.sizeReserved)
		return
	}
	ct.sizeCurrent -= int64(reserved)
	ct.sizeReserved -= int64(reserved)
	return
}
