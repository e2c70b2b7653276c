// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagefile

import (
	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/cachetable"
)

// ReadPage returns a copy of the data of page key. A page never written
// reads as empty.
func (f *File) ReadPage(key cachetable.Key) (data []byte, err error) {
	if key < 0 {
		err = blunder.NewError(blunder.InvalidArgError, "pagefile.ReadPage(): negative key %d", key)
		return
	}

	fullHash := f.cf.Hash(key)

	value, _, err := f.cf.GetAndPin(key, fullHash, f)
	if nil != err {
		return
	}

	page := value.(*Page)
	f.pageMutex.Lock()
	data = make([]byte, len(page.Data))
	copy(data, page.Data)
	f.pageMutex.Unlock()

	err = f.cf.Unpin(key, fullHash, false, 0)
	return
}

// WritePage replaces the data of page key. Pages beyond any ever written,
// and pages that cannot be read back, are put whole; others are pinned
// (fetching them if need be), modified and unpinned dirty.
func (f *File) WritePage(key cachetable.Key, data []byte) (err error) {
	var value interface{}

	if key < 0 {
		err = blunder.NewError(blunder.InvalidArgError, "pagefile.WritePage(): negative key %d", key)
		return
	}
	if uint64(len(data)) > f.MaxDataSize() {
		err = blunder.NewError(blunder.InvalidArgError, "pagefile.WritePage(): %d bytes exceeds page capacity %d", len(data), f.MaxDataSize())
		return
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	fullHash := f.cf.Hash(key)

	f.Lock()
	tryPut := uint64(key) >= f.extent
	f.Unlock()

	for {
		if !tryPut {
			value, _, err = f.cf.GetAndPin(key, fullHash, f)
			if nil == err {
				page := value.(*Page)
				f.pageMutex.Lock()
				page.Data = dataCopy
				f.pageMutex.Unlock()
				break
			}
			if blunder.IsNot(err, blunder.NoDeviceError) {
				return
			}
		}

		err = f.cf.Put(key, fullHash, &Page{Key: key, Data: dataCopy}, int64(f.blockSize), f)
		if nil == err {
			break
		}
		if blunder.IsNot(err, blunder.PairExistsError) {
			return
		}

		// Cached by a concurrent caller; Put() pinned it for us.
		err = f.cf.Unpin(key, fullHash, false, 0)
		if nil != err {
			return
		}
		tryPut = false
	}

	f.noteWritten(key)
	err = f.cf.Unpin(key, fullHash, true, 0)
	return
}

func (f *File) noteWritten(key cachetable.Key) {
	f.Lock()
	if uint64(key) >= f.extent {
		f.extent = uint64(key) + 1
	}
	f.Unlock()
}

// Prefetch starts reading page key into the cache.
func (f *File) Prefetch(key cachetable.Key) (err error) {
	err = f.cf.Prefetch(key, f.cf.Hash(key), f)
	return
}

// FlushPages writes every dirty page of f and evicts all of them.
func (f *File) FlushPages() (err error) {
	err = f.cf.Flush()
	return
}

// Close drops a reference to f. The last reference writes every dirty page
// and closes the file; if a checkpoint holds f the close completes when the
// checkpoint releases it.
func (f *File) Close() (err error) {
	_, err = f.cf.Close(false, cachetable.ZeroLSN)
	return
}

// CloseAtLSN is Close, additionally recording lsn in the header if this is
// the last reference.
func (f *File) CloseAtLSN(lsn cachetable.LSN) (err error) {
	_, err = f.cf.Close(true, lsn)
	return
}
