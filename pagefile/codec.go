// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagefile

import (
	"os"

	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/cachetable"
	"github.com/NVIDIA/cachetable/logger"
)

// Fetch reads page key. Every page is charged a full block.
func (f *File) Fetch(cf *cachetable.Cachefile, file *os.File, key cachetable.Key, fullHash uint32) (value interface{}, size int64, err error) {
	if key < 0 {
		err = blunder.NewError(blunder.InvalidArgError, "pagefile: negative key %d", key)
		return
	}

	page, err := f.readPage(file, key)
	if nil != err {
		logger.ErrorfWithError(err, "pagefile %s: fetch of page %d failed", f.fnameInEnv, key)
		return
	}

	f.stats.Fetches.Increment()
	if 0 == len(page.Data) {
		f.stats.EmptyFetches.Increment()
	}

	value = page
	size = int64(f.blockSize)
	return
}

// Flush writes page key if asked to. A failed write cannot be reported to
// the cachetable; it is logged and counted in WriteErrors.
func (f *File) Flush(cf *cachetable.Cachefile, file *os.File, key cachetable.Key, value interface{}, size int64, write bool, keep bool, forCheckpoint bool) {
	if write {
		page, ok := value.(*Page)
		if !ok {
			logger.Fatalf("pagefile %s: flush of key %d with value of type %T", f.fnameInEnv, key, value)
		}

		f.pageMutex.Lock()
		err := f.writePage(file, page)
		f.pageMutex.Unlock()
		if nil != err {
			f.stats.WriteErrors.Increment()
			logger.ErrorfWithError(err, "pagefile %s: write of page %d failed", f.fnameInEnv, key)
		} else {
			f.stats.Writes.Increment()
			if forCheckpoint {
				f.stats.CheckpointWrites.Increment()
			}
		}
	}

	if !keep {
		f.stats.Evictions.Increment()
	}
}
