// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package wal

import (
	"github.com/NVIDIA/cstruct"
	"github.com/creachadair/cityhash"

	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/cachetable"
	"github.com/NVIDIA/cachetable/logger"
)

var (
	LittleEndian = cstruct.LittleEndian // All data cstruct's to be serialized in LittleEndian form
)

const recordMagic uint32 = 0x4C415752 // "RWAL" read LittleEndian

type recordHeaderStruct struct {
	Magic      uint32
	Kind       uint32
	LSN        uint64
	PayloadLen uint64
	Checksum   uint64
}

type endCheckpointStruct struct {
	BeginLSN uint64
	NumFiles uint32
	NumTxns  uint32
}

type fassociateStruct struct {
	Filenum uint32
	NameLen uint32 // name bytes immediately follow
}

type xstillopenStruct struct {
	TxnID       uint64
	ParentTxnID uint64
}

type suppressRollbackStruct struct {
	Filenum uint32
}

type localTxnCheckpointStruct struct {
	TxnID uint64
}

var recordHeaderSize uint64

func init() {
	var err error

	recordHeaderSize, _, err = cstruct.Examine(recordHeaderStruct{})
	if nil != err {
		logger.Fatalf("cstruct.Examine(recordHeaderStruct{}) failed: %v", err)
	}
}

func encodePayload(record *Record) (payload []byte, err error) {
	switch record.Kind {
	case KindBeginCheckpoint:
		payload = []byte{}
	case KindEndCheckpoint:
		payload, err = cstruct.Pack(endCheckpointStruct{
			BeginLSN: uint64(record.BeginLSN),
			NumFiles: record.NumFiles,
			NumTxns:  record.NumTxns,
		}, LittleEndian)
	case KindFassociate:
		payload, err = cstruct.Pack(fassociateStruct{
			Filenum: uint32(record.Filenum),
			NameLen: uint32(len(record.Text)),
		}, LittleEndian)
		if nil == err {
			payload = append(payload, record.Text...)
		}
	case KindXStillOpen:
		payload, err = cstruct.Pack(xstillopenStruct{
			TxnID:       uint64(record.TxnID),
			ParentTxnID: uint64(record.ParentTxnID),
		}, LittleEndian)
	case KindSuppressRollback:
		payload, err = cstruct.Pack(suppressRollbackStruct{Filenum: uint32(record.Filenum)}, LittleEndian)
	case KindLocalTxnCheckpoint:
		payload, err = cstruct.Pack(localTxnCheckpointStruct{TxnID: uint64(record.TxnID)}, LittleEndian)
	case KindComment:
		payload = []byte(record.Text)
	default:
		err = blunder.NewError(blunder.InvalidArgError, "wal: cannot encode record of %v", record.Kind)
		return
	}
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
	}
	return
}

func decodePayload(kind Kind, payload []byte, record *Record) (err error) {
	var (
		bytesConsumed uint64
		endCheckpoint endCheckpointStruct
		fassociate    fassociateStruct
		xstillopen    xstillopenStruct
		suppress      suppressRollbackStruct
		local         localTxnCheckpointStruct
	)

	switch kind {
	case KindBeginCheckpoint:
		if 0 != len(payload) {
			err = blunder.NewError(blunder.CorruptRecordError, "wal: %v record has %d byte payload", kind, len(payload))
		}
	case KindEndCheckpoint:
		_, err = cstruct.Unpack(payload, &endCheckpoint, LittleEndian)
		record.BeginLSN = cachetable.LSN(endCheckpoint.BeginLSN)
		record.NumFiles = endCheckpoint.NumFiles
		record.NumTxns = endCheckpoint.NumTxns
	case KindFassociate:
		bytesConsumed, err = cstruct.Unpack(payload, &fassociate, LittleEndian)
		if nil == err {
			if uint64(len(payload)) != bytesConsumed+uint64(fassociate.NameLen) {
				err = blunder.NewError(blunder.CorruptRecordError, "wal: %v name length %d does not match payload", kind, fassociate.NameLen)
				return
			}
			record.Filenum = cachetable.Filenum(fassociate.Filenum)
			record.Text = string(payload[bytesConsumed:])
		}
	case KindXStillOpen:
		_, err = cstruct.Unpack(payload, &xstillopen, LittleEndian)
		record.TxnID = cachetable.TxnID(xstillopen.TxnID)
		record.ParentTxnID = cachetable.TxnID(xstillopen.ParentTxnID)
	case KindSuppressRollback:
		_, err = cstruct.Unpack(payload, &suppress, LittleEndian)
		record.Filenum = cachetable.Filenum(suppress.Filenum)
	case KindLocalTxnCheckpoint:
		_, err = cstruct.Unpack(payload, &local, LittleEndian)
		record.TxnID = cachetable.TxnID(local.TxnID)
	case KindComment:
		record.Text = string(payload)
	default:
		err = blunder.NewError(blunder.CorruptRecordError, "wal: unknown record %v", kind)
		return
	}
	if nil != err && blunder.IsNot(err, blunder.CorruptRecordError) {
		err = blunder.AddError(err, blunder.UnpackError)
	}
	return
}

// encodeRecord returns the header and payload of record as a single buffer.
func encodeRecord(record *Record) (buf []byte, err error) {
	var (
		header  []byte
		payload []byte
	)

	payload, err = encodePayload(record)
	if nil != err {
		return
	}

	header, err = cstruct.Pack(recordHeaderStruct{
		Magic:      recordMagic,
		Kind:       uint32(record.Kind),
		LSN:        uint64(record.LSN),
		PayloadLen: uint64(len(payload)),
		Checksum:   cityhash.Hash64(payload),
	}, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
		return
	}

	buf = make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	return
}

// decodeRecords decodes the records in buf. If buf ends with a partial
// record, torn is set and consumed is the length of the intact prefix.
func decodeRecords(buf []byte) (records []Record, consumed uint64, torn bool, err error) {
	var (
		header  recordHeaderStruct
		lastLSN cachetable.LSN
		payload []byte
		record  Record
	)

	records = make([]Record, 0)

	for consumed < uint64(len(buf)) {
		remaining := uint64(len(buf)) - consumed
		if remaining < recordHeaderSize {
			torn = true
			return
		}

		_, err = cstruct.Unpack(buf[consumed:consumed+recordHeaderSize], &header, LittleEndian)
		if nil != err {
			err = blunder.AddError(err, blunder.UnpackError)
			return
		}
		if recordMagic != header.Magic {
			err = blunder.NewError(blunder.CorruptRecordError, "wal: bad magic 0x%08X at offset %d", header.Magic, consumed)
			return
		}
		if remaining-recordHeaderSize < header.PayloadLen {
			torn = true
			return
		}

		payload = buf[consumed+recordHeaderSize : consumed+recordHeaderSize+header.PayloadLen]
		if cityhash.Hash64(payload) != header.Checksum {
			err = blunder.NewError(blunder.ChecksumError, "wal: checksum mismatch in record LSN %d at offset %d", header.LSN, consumed)
			return
		}
		if cachetable.LSN(header.LSN) <= lastLSN {
			err = blunder.NewError(blunder.CorruptRecordError, "wal: LSN %d follows LSN %d", header.LSN, lastLSN)
			return
		}

		record = Record{Kind: Kind(header.Kind), LSN: cachetable.LSN(header.LSN)}
		err = decodePayload(record.Kind, payload, &record)
		if nil != err {
			return
		}

		records = append(records, record)
		lastLSN = record.LSN
		consumed += recordHeaderSize + header.PayloadLen
	}

	return
}
