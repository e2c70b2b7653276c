// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package wal is a minimal append-only write-ahead log suitable for driving
// a cachetable's checkpoint protocol.
//
// Each record is a fixed size header followed by a payload:
//
//   Magic      uint32  recordMagic
//   Kind       uint32  one of the Kind* constants
//   LSN        uint64  strictly increasing, starting at 1
//   PayloadLen uint64
//   Checksum   uint64  cityhash64 of the payload
//
// all serialized LittleEndian by cstruct. A Log either appends to a file
// (Open) or keeps its records in memory (OpenInMemory).
//
// A Log also tracks live transactions (Begin) so that a checkpoint can log
// and unpin the rollback logs of transactions still open when it begins.
package wal

import (
	"fmt"

	"github.com/NVIDIA/cachetable/cachetable"
)

// Kind identifies the type of a log record.
type Kind uint32

const (
	KindBeginCheckpoint Kind = iota + 1
	KindEndCheckpoint
	KindFassociate
	KindXStillOpen
	KindSuppressRollback
	KindLocalTxnCheckpoint
	KindComment
)

func (kind Kind) String() string {
	switch kind {
	case KindBeginCheckpoint:
		return "begin_checkpoint"
	case KindEndCheckpoint:
		return "end_checkpoint"
	case KindFassociate:
		return "fassociate"
	case KindXStillOpen:
		return "xstillopen"
	case KindSuppressRollback:
		return "suppress_rollback"
	case KindLocalTxnCheckpoint:
		return "local_txn_checkpoint"
	case KindComment:
		return "comment"
	}
	return fmt.Sprintf("Kind(%d)", uint32(kind))
}

// Record is a decoded log record. Only the fields meaningful for Kind are
// set:
//
//   KindBeginCheckpoint     (none)
//   KindEndCheckpoint       BeginLSN, NumFiles, NumTxns
//   KindFassociate          Filenum, Text (fname in env)
//   KindXStillOpen          TxnID, ParentTxnID
//   KindSuppressRollback    Filenum
//   KindLocalTxnCheckpoint  TxnID
//   KindComment             Text
type Record struct {
	Kind        Kind
	LSN         cachetable.LSN
	BeginLSN    cachetable.LSN
	NumFiles    uint32
	NumTxns     uint32
	Filenum     cachetable.Filenum
	TxnID       cachetable.TxnID
	ParentTxnID cachetable.TxnID
	Text        string
}

func (record *Record) String() string {
	switch record.Kind {
	case KindEndCheckpoint:
		return fmt.Sprintf("%d:%v:%d:%d:%d", record.LSN, record.Kind, record.BeginLSN, record.NumFiles, record.NumTxns)
	case KindFassociate:
		return fmt.Sprintf("%d:%v:%d:%s", record.LSN, record.Kind, record.Filenum, record.Text)
	case KindXStillOpen:
		return fmt.Sprintf("%d:%v:%d:%d", record.LSN, record.Kind, record.TxnID, record.ParentTxnID)
	case KindSuppressRollback:
		return fmt.Sprintf("%d:%v:%d", record.LSN, record.Kind, record.Filenum)
	case KindLocalTxnCheckpoint:
		return fmt.Sprintf("%d:%v:%d", record.LSN, record.Kind, record.TxnID)
	case KindComment:
		return fmt.Sprintf("%d:%v:%s", record.LSN, record.Kind, record.Text)
	}
	return fmt.Sprintf("%d:%v", record.LSN, record.Kind)
}

// Open opens (creating if necessary) the log file at path. Existing records
// are verified; a record torn by a crash mid-append is truncated away, any
// other damage fails with blunder.CorruptRecordError or
// blunder.ChecksumError.
func Open(path string) (log *Log, err error) {
	log, err = openFile(path)
	return
}

// OpenInMemory returns a Log that keeps its records in memory.
func OpenInMemory() (log *Log) {
	log = newLog(nil, "")
	return
}

// Scan decodes and verifies every record in the log file at path.
func Scan(path string) (records []Record, err error) {
	records, err = scanFile(path)
	return
}

// Compile time check that a Log satisfies the cachetable's WAL interface.
var _ cachetable.WAL = &Log{}

// Compile time check that a Txn satisfies the cachetable's Txn interface.
var _ cachetable.Txn = &Txn{}
