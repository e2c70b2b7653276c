// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/sortedmap"
	"github.com/google/btree"

	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/bucketstats"
	"github.com/NVIDIA/cachetable/conf"
	"github.com/NVIDIA/cachetable/logger"
	"github.com/NVIDIA/cachetable/rwlock"
	"github.com/NVIDIA/cachetable/utils"
	"github.com/NVIDIA/cachetable/workqueue"
)

// Config holds the settings of a Cachetable.
type Config struct {
	SizeLimit        uint64        // memory budget in bytes
	WorkerThreads    uint32        // async fetch/write-back goroutines
	CheckpointPeriod time.Duration // 0 disables the periodic checkpointer
	EnvDir           string        // directory env-relative names resolve against
	EvictFromWriter  bool          // asynchronous eviction writes also remove the pair
	InitialTableSize uint32        // starting bucket count (rounded up to a power of two)
}

const minTableSize = 4

// ParseConfig extracts a Config from the [Cachetable] section of confMap.
//
// Cachetable.SizeLimit is required; all other options have defaults.
func ParseConfig(confMap conf.ConfMap) (config Config, err error) {
	config.SizeLimit, err = confMap.FetchOptionValueByteSize("Cachetable", "SizeLimit")
	if nil != err {
		err = blunder.NewError(blunder.InvalidArgError, "cachetable.ParseConfig(): %v", err)
		return
	}

	config.WorkerThreads, err = confMap.FetchOptionValueUint32("Cachetable", "WorkerThreads")
	if nil != err {
		config.WorkerThreads = uint32(runtime.NumCPU())
	}

	config.CheckpointPeriod, err = confMap.FetchOptionValueDuration("Cachetable", "CheckpointPeriod")
	if nil != err {
		config.CheckpointPeriod = time.Duration(0)
	}

	config.EnvDir, err = confMap.FetchOptionValueString("Cachetable", "EnvDir")
	if nil != err {
		config.EnvDir = "."
	}

	config.EvictFromWriter, err = confMap.FetchOptionValueBool("Cachetable", "EvictFromWriter")
	if nil != err {
		config.EvictFromWriter = true
	}

	config.InitialTableSize, err = confMap.FetchOptionValueUint32("Cachetable", "InitialTableSize")
	if nil != err {
		config.InitialTableSize = minTableSize
	}

	err = config.validate()
	return
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig(sizeLimit uint64) Config {
	return Config{
		SizeLimit:        sizeLimit,
		WorkerThreads:    uint32(runtime.NumCPU()),
		EnvDir:           ".",
		EvictFromWriter:  true,
		InitialTableSize: minTableSize,
	}
}

func (config *Config) validate() (err error) {
	if config.SizeLimit == 0 {
		return blunder.NewError(blunder.InvalidArgError, "Cachetable.SizeLimit must be non-zero")
	}
	if config.SizeLimit > uint64(1)<<62 {
		return blunder.NewError(blunder.InvalidArgError, "Cachetable.SizeLimit %d too large", config.SizeLimit)
	}
	if config.WorkerThreads == 0 {
		return blunder.NewError(blunder.InvalidArgError, "Cachetable.WorkerThreads must be non-zero")
	}
	if config.CheckpointPeriod < 0 {
		return blunder.NewError(blunder.InvalidArgError, "Cachetable.CheckpointPeriod must not be negative")
	}
	if config.EnvDir == "" {
		config.EnvDir = "."
	}
	if config.InitialTableSize < minTableSize {
		config.InitialTableSize = minTableSize
	}
	config.InitialTableSize = utils.NextPowerOfTwo(config.InitialTableSize)
	return nil
}

// Cachetable is the page cache shared by all Cachefiles opened through it.
type Cachetable struct {
	mutex            ctMutex      // coarse lock protecting everything below not otherwise noted
	openfdMutex      sync.Mutex   // serializes OpenFD*(); taken before mutex
	checkpointMutex  sync.Mutex   // serializes Checkpoint()
	beginMutex       sync.Mutex   // held across begin phases and LocalCheckpointForCommit()
	config           Config       //
	closed           bool         //
	nInTable         uint32       // number of pairs in table
	table            []*pair      // hash buckets; len is a power of two
	head             *pair        // most recently used
	tail             *pair        // least recently used
	cachefiles       *btree.BTree // open Cachefiles ordered by Filenum
	reservedFilenums sortedmap.LLRBTree
	nextFilenum      Filenum       // next candidate for automatic numbering
	inCheckpoint     []*Cachefile  // files pinned by the checkpoint in progress
	sizeCurrent      int64         // sum of sizes of pairs (plus reserved memory)
	sizeLimit        int64         //
	sizeWriting      int64         // sum of sizes of pairs being written
	sizeReserved     int64         // ReserveMemory() bytes included in sizeCurrent
	wal              WAL           // may be nil
	wq               *workqueue.Queue
	pool             *workqueue.Pool
	lsnOfCheckpoint  LSN           // begin LSN of the checkpoint in progress
	checkpointFiles  uint32        // files logged by the checkpoint in progress
	checkpointTxns   uint32        // transactions logged by the checkpoint in progress
	pendingHead      *pair         // pairs marked checkpoint pending
	pendingLock      rwlock.RWLock // writers of pairs read-lock; begin checkpoint write-locks
	checkpointer     *checkpointerStruct
	envDir           string
	envDirSet        bool
	stats            *statsStruct
	statsGroupName   string
}

var instanceCount uint64

// New creates a Cachetable. wal may be nil.
func New(config Config, wal WAL) (ct *Cachetable, err error) {
	err = config.validate()
	if nil != err {
		return
	}

	ct = &Cachetable{
		config:           config,
		table:            make([]*pair, config.InitialTableSize),
		cachefiles:       btree.New(8),
		reservedFilenums: sortedmap.NewLLRBTree(sortedmap.CompareUint32, nil),
		sizeLimit:        int64(config.SizeLimit),
		wal:              wal,
		envDir:           config.EnvDir,
		stats:            &statsStruct{},
	}
	ct.mutex.stats = ct.stats
	ct.pendingLock.Init(&ct.mutex)
	ct.wq = workqueue.New(&ct.mutex)
	ct.pool = workqueue.StartPool(ct.wq, int(config.WorkerThreads))

	ct.statsGroupName = fmt.Sprintf("ct%d", atomic.AddUint64(&instanceCount, 1))
	bucketstats.Register("cachetable", ct.statsGroupName, ct.stats)

	ct.checkpointer = startCheckpointer(ct, config.CheckpointPeriod)

	logger.Infof("cachetable %s created with config %s", ct.statsGroupName, utils.JSONify(config, false))
	return
}

// Name returns the name under which the Cachetable's statistics are
// registered with bucketstats (package "cachetable").
func (ct *Cachetable) Name() string {
	return ct.statsGroupName
}

// SizeLimit returns the configured memory budget.
func (ct *Cachetable) SizeLimit() uint64 {
	return ct.config.SizeLimit
}
