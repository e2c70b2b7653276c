// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagefile

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/cstruct"
	"github.com/creachadair/cityhash"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/bucketstats"
	"github.com/NVIDIA/cachetable/cachetable"
	"github.com/NVIDIA/cachetable/halter"
	"github.com/NVIDIA/cachetable/logger"
	"github.com/NVIDIA/cachetable/wal"
)

var (
	LittleEndian = cstruct.LittleEndian // All data cstruct's to be serialized in LittleEndian form
)

const (
	fileMagic    uint64 = 0x454C494645474150 // "PAGEFILE" read LittleEndian
	minBlockSize uint64 = 64
)

type fileHeaderStruct struct {
	Magic           uint64
	BlockSize       uint64
	CheckpointLSN   uint64
	CheckpointCount uint64
}

type pageHeaderStruct struct {
	Key      uint64
	Length   uint64
	Checksum uint64 // cityhash64 of the Length bytes of data that follow
}

var (
	fileHeaderSize uint64
	pageHeaderSize uint64
)

func init() {
	var err error

	fileHeaderSize, _, err = cstruct.Examine(fileHeaderStruct{})
	if nil != err {
		logger.Fatalf("cstruct.Examine(fileHeaderStruct{}) failed: %v", err)
	}
	pageHeaderSize, _, err = cstruct.Examine(pageHeaderStruct{})
	if nil != err {
		logger.Fatalf("cstruct.Examine(pageHeaderStruct{}) failed: %v", err)
	}
}

type statsStruct struct {
	Fetches          bucketstats.Total
	EmptyFetches     bucketstats.Total
	Writes           bucketstats.Total
	CheckpointWrites bucketstats.Total
	WriteErrors      bucketstats.Total
	Evictions        bucketstats.Total
	Checkpoints      bucketstats.Total
}

// File is an open page file.
type File struct {
	sync.Mutex // protects the fields below other than pageMutex

	pageMutex      sync.Mutex            // serializes access to the Data of pinned Pages
	cf             *cachetable.Cachefile //
	fnameInEnv     string                // immutable; read by hooks that run under the cachetable lock
	log            *wal.Log              // may be nil
	blockSize      uint64                //
	header         fileHeaderStruct      // as of the last completed checkpoint
	snapshot       fileHeaderStruct      // taken by BeginCheckpoint
	snapshotValid  bool                  //
	extent         uint64                // pages with keys >= extent have never been written
	checkpointPins uint64                //
	created        bool                  // suppress rollback of the creation at the first checkpoint
	closed         bool                  //
	statsGroupName string                //
	stats          *statsStruct          //
}

var instanceCount uint64

func newFile(cf *cachetable.Cachefile, log *wal.Log, header fileHeaderStruct, extent uint64, created bool) (f *File) {
	f = &File{
		cf:         cf,
		fnameInEnv: cf.FnameInEnv(),
		log:        log,
		blockSize:  header.BlockSize,
		header:     header,
		extent:     extent,
		created:    created,
		stats:      &statsStruct{},
	}
	f.statsGroupName = fmt.Sprintf("pf%d", atomic.AddUint64(&instanceCount, 1))
	bucketstats.Register("pagefile", f.statsGroupName, f.stats)
	cf.SetHooks(fileHooks{f})
	return
}

func create(ct *cachetable.Cachetable, log *wal.Log, fnameInEnv string, blockSize uint64) (f *File, err error) {
	var (
		buf []byte
		cf  *cachetable.Cachefile
	)

	if blockSize < minBlockSize || blockSize < fileHeaderSize {
		err = blunder.NewError(blunder.InvalidArgError, "pagefile.Create(): blockSize %d below minimum %d", blockSize, minBlockSize)
		return
	}

	header := fileHeaderStruct{Magic: fileMagic, BlockSize: blockSize}

	buf, err = cstruct.Pack(header, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
		return
	}

	cf, err = ct.OpenFile(fnameInEnv, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if nil != err {
		return
	}

	file := cf.GetAndPinFD()
	_, err = unix.Pwrite(int(file.Fd()), buf, 0)
	if nil == err {
		err = file.Sync()
	}
	cf.UnpinFD()
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		logger.ErrorfWithError(err, "pagefile.Create(): writing header of %s failed", fnameInEnv)
		_, _ = cf.Close(false, cachetable.ZeroLSN)
		return
	}

	f = newFile(cf, log, header, 0, true)
	logger.Infof("pagefile %s created as %s with block size %d", fnameInEnv, f.statsGroupName, blockSize)
	return
}

func open(ct *cachetable.Cachetable, log *wal.Log, fnameInEnv string) (f *File, err error) {
	var (
		buf    []byte
		cf     *cachetable.Cachefile
		header fileHeaderStruct
		info   os.FileInfo
		n      int
	)

	cf, err = ct.OpenFile(fnameInEnv, os.O_RDWR, 0)
	if nil != err {
		return
	}

	if existing, ok := cf.Hooks().(fileHooks); ok {
		// Already open; OpenFile() took another reference for us.
		f = existing.File
		return
	}

	buf = make([]byte, fileHeaderSize)

	file := cf.GetAndPinFD()
	n, err = unix.Pread(int(file.Fd()), buf, 0)
	if nil == err {
		info, err = file.Stat()
	}
	cf.UnpinFD()
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		_, _ = cf.Close(false, cachetable.ZeroLSN)
		return
	}

	if uint64(n) < fileHeaderSize {
		err = blunder.NewError(blunder.CorruptRecordError, "pagefile.Open(): %s too short for header (%d bytes)", fnameInEnv, n)
		_, _ = cf.Close(false, cachetable.ZeroLSN)
		return
	}
	_, err = cstruct.Unpack(buf, &header, LittleEndian)
	if nil == err && (fileMagic != header.Magic || header.BlockSize < minBlockSize) {
		err = blunder.NewError(blunder.CorruptRecordError, "pagefile.Open(): %s has bad header (magic 0x%016X, block size %d)",
			fnameInEnv, header.Magic, header.BlockSize)
	}
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptRecordError)
		_, _ = cf.Close(false, cachetable.ZeroLSN)
		return
	}

	extent := uint64(0)
	if uint64(info.Size()) > header.BlockSize {
		extent = (uint64(info.Size()) + header.BlockSize - 1) / header.BlockSize
		extent--
	}

	f = newFile(cf, log, header, extent, false)
	logger.Infof("pagefile %s opened as %s (block size %d, %d pages, checkpoint LSN %d)",
		fnameInEnv, f.statsGroupName, header.BlockSize, extent, header.CheckpointLSN)
	return
}

// Cachefile returns the Cachefile f's pages are cached under.
func (f *File) Cachefile() *cachetable.Cachefile {
	return f.cf
}

func (f *File) BlockSize() uint64 {
	return f.blockSize
}

// MaxDataSize is the largest page WritePage accepts.
func (f *File) MaxDataSize() uint64 {
	return f.blockSize - pageHeaderSize
}

// CheckpointLSN returns the LSN of the last checkpoint to complete for f.
func (f *File) CheckpointLSN() cachetable.LSN {
	f.Lock()
	defer f.Unlock()
	return cachetable.LSN(f.header.CheckpointLSN)
}

func (f *File) CheckpointCount() uint64 {
	f.Lock()
	defer f.Unlock()
	return f.header.CheckpointCount
}

// CheckpointPins returns how many checkpoints currently hold f.
func (f *File) CheckpointPins() uint64 {
	f.Lock()
	defer f.Unlock()
	return f.checkpointPins
}

// StatsGroupName returns the name under which f's statistics are registered
// with bucketstats (package "pagefile").
func (f *File) StatsGroupName() string {
	return f.statsGroupName
}

func (f *File) pageOffset(key cachetable.Key) int64 {
	return (int64(key) + 1) * int64(f.blockSize)
}

// readPage reads page key from file, returning an empty Page if it has
// never been written.
func (f *File) readPage(file *os.File, key cachetable.Key) (page *Page, err error) {
	var pageHeader pageHeaderStruct

	buf := make([]byte, f.blockSize)

	n, err := unix.Pread(int(file.Fd()), buf, f.pageOffset(key))
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	page = &Page{Key: key, Data: []byte{}}

	if uint64(n) < pageHeaderSize {
		// Beyond EOF
		return
	}

	_, err = cstruct.Unpack(buf[:pageHeaderSize], &pageHeader, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.UnpackError)
		return
	}

	if (0 == pageHeader.Key) && (0 == pageHeader.Length) && (0 == pageHeader.Checksum) {
		// Hole
		return
	}

	if uint64(key) != pageHeader.Key {
		err = blunder.NewError(blunder.CorruptRecordError, "page %d of %s has header for page %d", key, f.fnameInEnv, pageHeader.Key)
		return
	}
	if (pageHeader.Length > f.blockSize-pageHeaderSize) || (pageHeaderSize+pageHeader.Length > uint64(n)) {
		err = blunder.NewError(blunder.CorruptRecordError, "page %d of %s has bad length %d", key, f.fnameInEnv, pageHeader.Length)
		return
	}

	data := buf[pageHeaderSize : pageHeaderSize+pageHeader.Length]
	if cityhash.Hash64(data) != pageHeader.Checksum {
		err = blunder.NewError(blunder.ChecksumError, "page %d of %s failed checksum", key, f.fnameInEnv)
		return
	}

	page.Data = data
	return
}

// writePage writes page's data and then its header.
func (f *File) writePage(file *os.File, page *Page) (err error) {
	var headerBuf []byte

	headerBuf, err = cstruct.Pack(pageHeaderStruct{
		Key:      uint64(page.Key),
		Length:   uint64(len(page.Data)),
		Checksum: cityhash.Hash64(page.Data),
	}, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
		return
	}

	offset := f.pageOffset(page.Key)

	_, err = unix.Pwrite(int(file.Fd()), page.Data, offset+int64(pageHeaderSize))
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	halter.Trigger(halter.PagefileWritePageBeforeHeader)

	_, err = unix.Pwrite(int(file.Fd()), headerBuf, offset)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}
	return
}

func (f *File) writeFileHeader(file *os.File, header fileHeaderStruct) (err error) {
	var buf []byte

	buf, err = cstruct.Pack(header, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
		return
	}

	_, err = unix.Pwrite(int(file.Fd()), buf, 0)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}
	return
}
