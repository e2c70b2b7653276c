// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package wal

import (
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/bucketstats"
	"github.com/NVIDIA/cachetable/cachetable"
	"github.com/NVIDIA/cachetable/logger"
	"github.com/NVIDIA/cachetable/utils"
)

type statsStruct struct {
	Records     bucketstats.Total
	RecordBytes bucketstats.Total
	Syncs       bucketstats.Total
	TxnsBegun   bucketstats.Total
	SyncUsec    bucketstats.BucketLog2
}

// Log is a write-ahead log. It implements cachetable.WAL.
type Log struct {
	sync.Mutex
	path              string
	file              *os.File // nil if in memory
	memory            []byte   // records of an in memory Log
	closed            bool
	lastLSN           cachetable.LSN
	lastCheckpointLSN cachetable.LSN
	lastTxnID         cachetable.TxnID
	liveTxns          sortedmap.LLRBTree // TxnID -> *Txn
	statsGroupName    string
	stats             *statsStruct
}

var instanceCount uint64

func newLog(file *os.File, path string) (log *Log) {
	log = &Log{
		path:     path,
		file:     file,
		memory:   make([]byte, 0),
		liveTxns: sortedmap.NewLLRBTree(sortedmap.CompareUint64, nil),
		stats:    &statsStruct{},
	}
	log.statsGroupName = fmt.Sprintf("wal%d", atomic.AddUint64(&instanceCount, 1))
	bucketstats.Register("wal", log.statsGroupName, log.stats)
	return
}

func openFile(path string) (log *Log, err error) {
	var (
		buf      []byte
		consumed uint64
		file     *os.File
		records  []Record
		torn     bool
	)

	file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	buf, err = ioutil.ReadAll(file)
	if nil != err {
		_ = file.Close()
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	records, consumed, torn, err = decodeRecords(buf)
	if nil != err {
		_ = file.Close()
		logger.ErrorfWithError(err, "wal: %s is damaged", path)
		return
	}
	if torn {
		logger.Warnf("wal: truncating torn record at offset %d of %s", consumed, path)
		err = file.Truncate(int64(consumed))
		if nil != err {
			_ = file.Close()
			err = blunder.AddError(err, blunder.IOError)
			return
		}
	}

	log = newLog(file, path)

	for _, record := range records {
		log.lastLSN = record.LSN
		switch record.Kind {
		case KindEndCheckpoint:
			log.lastCheckpointLSN = record.BeginLSN
		case KindXStillOpen, KindLocalTxnCheckpoint:
			if record.TxnID > log.lastTxnID {
				log.lastTxnID = record.TxnID
			}
		}
	}

	logger.Infof("wal: opened %s with %d records (last LSN %d, last checkpoint LSN %d)",
		path, len(records), log.lastLSN, log.lastCheckpointLSN)
	return
}

func scanFile(path string) (records []Record, err error) {
	var (
		buf      []byte
		consumed uint64
		torn     bool
	)

	buf, err = ioutil.ReadFile(path)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	records, consumed, torn, err = decodeRecords(buf)
	if nil == err && torn {
		logger.Warnf("wal: ignoring torn record at offset %d of %s", consumed, path)
	}
	return
}

func (log *Log) checkOpen() (err error) {
	if log.closed {
		err = blunder.NewError(blunder.NotActiveError, "wal: log is closed")
	}
	return
}

// appendRecord assigns record the next LSN and appends it. Caller holds the
// Log's lock.
func (log *Log) appendRecord(record *Record) (lsn cachetable.LSN, err error) {
	var buf []byte

	err = log.checkOpen()
	if nil != err {
		return
	}

	record.LSN = log.lastLSN + 1

	buf, err = encodeRecord(record)
	if nil != err {
		return
	}

	if nil == log.file {
		log.memory = append(log.memory, buf...)
	} else {
		_, err = log.file.Write(buf)
		if nil != err {
			err = blunder.AddError(err, blunder.IOError)
			logger.ErrorfWithError(err, "wal: append of %v to %s failed", record.Kind, log.path)
			return
		}
	}

	log.lastLSN = record.LSN
	log.stats.Records.Increment()
	log.stats.RecordBytes.Add(uint64(len(buf)))

	lsn = record.LSN
	return
}

// syncLocked makes appended records durable. Caller holds the Log's lock.
func (log *Log) syncLocked() (err error) {
	if nil == log.file {
		return
	}

	stopwatch := utils.NewStopwatch()

	err = log.file.Sync()
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		logger.ErrorfWithError(err, "wal: fsync of %s failed", log.path)
		return
	}

	log.stats.Syncs.Increment()
	log.stats.SyncUsec.Add(stopwatch.ElapsedUs())
	return
}

func (log *Log) LogBeginCheckpoint() (lsn cachetable.LSN, err error) {
	log.Lock()
	lsn, err = log.appendRecord(&Record{Kind: KindBeginCheckpoint})
	log.Unlock()
	return
}

// LiveTxns returns the open transactions in TxnID order.
func (log *Log) LiveTxns() (txns []cachetable.Txn) {
	log.Lock()
	defer log.Unlock()

	numTxns, err := log.liveTxns.Len()
	if nil != err {
		logger.FatalfWithError(err, "wal: liveTxns.Len() failed")
	}

	txns = make([]cachetable.Txn, 0, numTxns)
	for index := 0; index < numTxns; index++ {
		_, value, ok, err := log.liveTxns.GetByIndex(index)
		if nil != err || !ok {
			logger.Fatalf("wal: liveTxns.GetByIndex(%d) failed: ok: %v err: %v", index, ok, err)
		}
		txns = append(txns, value.(*Txn))
	}
	return
}

func (log *Log) LogXStillOpen(txn cachetable.Txn) (err error) {
	record := &Record{Kind: KindXStillOpen, TxnID: txn.TxnID()}
	if ourTxn, ok := txn.(*Txn); ok && nil != ourTxn.parent {
		record.ParentTxnID = ourTxn.parent.id
	}

	log.Lock()
	_, err = log.appendRecord(record)
	log.Unlock()
	return
}

func (log *Log) LogEndCheckpoint(beginLSN cachetable.LSN, numFiles uint32, numTxns uint32) (err error) {
	log.Lock()
	defer log.Unlock()

	_, err = log.appendRecord(&Record{
		Kind:     KindEndCheckpoint,
		BeginLSN: beginLSN,
		NumFiles: numFiles,
		NumTxns:  numTxns,
	})
	if nil != err {
		return
	}

	err = log.syncLocked()
	return
}

// NoteCheckpoint records that the checkpoint begun at beginLSN completed.
func (log *Log) NoteCheckpoint(beginLSN cachetable.LSN) {
	log.Lock()
	log.lastCheckpointLSN = beginLSN
	log.Unlock()
}

func (log *Log) LogLocalTxnCheckpoint(txnID cachetable.TxnID) (lsn cachetable.LSN, err error) {
	log.Lock()
	defer log.Unlock()

	lsn, err = log.appendRecord(&Record{Kind: KindLocalTxnCheckpoint, TxnID: txnID})
	if nil != err {
		return
	}

	err = log.syncLocked()
	return
}

// LogFassociate records that filenum names fnameInEnv.
func (log *Log) LogFassociate(filenum cachetable.Filenum, fnameInEnv string) (err error) {
	log.Lock()
	_, err = log.appendRecord(&Record{Kind: KindFassociate, Filenum: filenum, Text: fnameInEnv})
	log.Unlock()
	return
}

// LogSuppressRollback records that changes to filenum are not to be rolled
// back by recovery.
func (log *Log) LogSuppressRollback(filenum cachetable.Filenum) (err error) {
	log.Lock()
	_, err = log.appendRecord(&Record{Kind: KindSuppressRollback, Filenum: filenum})
	log.Unlock()
	return
}

// Comment appends a free-form record.
func (log *Log) Comment(text string) (lsn cachetable.LSN, err error) {
	log.Lock()
	lsn, err = log.appendRecord(&Record{Kind: KindComment, Text: text})
	log.Unlock()
	return
}

// Records decodes and verifies every record appended so far.
func (log *Log) Records() (records []Record, err error) {
	log.Lock()
	defer log.Unlock()

	if nil == log.file {
		records, _, _, err = decodeRecords(log.memory)
		return
	}

	records, err = scanFile(log.path)
	return
}

// LastLSN returns the LSN of the most recently appended record.
func (log *Log) LastLSN() (lsn cachetable.LSN) {
	log.Lock()
	lsn = log.lastLSN
	log.Unlock()
	return
}

// LastCheckpointLSN returns the begin LSN of the most recent checkpoint
// to complete (ZeroLSN if none has).
func (log *Log) LastCheckpointLSN() (lsn cachetable.LSN) {
	log.Lock()
	lsn = log.lastCheckpointLSN
	log.Unlock()
	return
}

// StatsGroupName returns the name under which the Log's statistics are
// registered with bucketstats.
func (log *Log) StatsGroupName() string {
	return log.statsGroupName
}

// Close syncs and closes the Log. Transactions still open are abandoned.
func (log *Log) Close() (err error) {
	log.Lock()
	defer log.Unlock()

	err = log.checkOpen()
	if nil != err {
		return
	}

	numTxns, _ := log.liveTxns.Len()
	if 0 != numTxns {
		logger.Warnf("wal: closing %s with %d live transactions", log.path, numTxns)
	}

	if nil != log.file {
		err = log.syncLocked()
		closeErr := log.file.Close()
		if nil == err && nil != closeErr {
			err = blunder.AddError(closeErr, blunder.IOError)
		}
	}

	log.closed = true
	bucketstats.UnRegister("wal", log.statsGroupName)
	return
}
