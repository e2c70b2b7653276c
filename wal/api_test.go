// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package wal

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/bucketstats"
	"github.com/NVIDIA/cachetable/cachetable"
)

func recordStrings(t *testing.T, records []Record) (strings []string) {
	strings = make([]string, 0, len(records))
	for i := range records {
		strings = append(strings, records[i].String())
	}
	return
}

func TestInMemoryRecords(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	log := OpenInMemory()
	defer log.Close()

	txn, err := log.Begin(nil)
	require.NoError(err)

	lsn, err := log.LogBeginCheckpoint()
	require.NoError(err)
	assert.Equal(cachetable.LSN(1), lsn)

	require.NoError(log.LogFassociate(7, "pages.db"))
	for _, liveTxn := range log.LiveTxns() {
		require.NoError(log.LogXStillOpen(liveTxn))
	}
	require.NoError(log.LogSuppressRollback(7))
	require.NoError(log.LogEndCheckpoint(lsn, 1, 1))
	log.NoteCheckpoint(lsn)

	localLSN, err := log.LogLocalTxnCheckpoint(txn.TxnID())
	require.NoError(err)
	assert.Equal(cachetable.LSN(6), localLSN)

	_, err = log.Comment("hello")
	require.NoError(err)

	records, err := log.Records()
	require.NoError(err)
	assert.Equal([]string{
		"1:begin_checkpoint",
		"2:fassociate:7:pages.db",
		"3:xstillopen:1:0",
		"4:suppress_rollback:7",
		"5:end_checkpoint:1:1:1",
		"6:local_txn_checkpoint:1",
		"7:comment:hello",
	}, recordStrings(t, records))

	assert.Equal(cachetable.LSN(7), log.LastLSN())
	assert.Equal(cachetable.LSN(1), log.LastCheckpointLSN())
	assert.Contains(bucketstats.SprintStats(bucketstats.StatFormatParsable1, "wal", log.StatsGroupName()), "Records total:7")
}

func TestTxns(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	log := OpenInMemory()
	defer log.Close()

	parent, err := log.Begin(nil)
	require.NoError(err)
	child, err := log.Begin(parent)
	require.NoError(err)
	other, err := log.Begin(nil)
	require.NoError(err)

	assert.Equal(parent, child.Parent())
	assert.Equal([]cachetable.Txn{parent, child, other}, log.LiveTxns())

	require.NoError(log.LogXStillOpen(child))
	records, err := log.Records()
	require.NoError(err)
	assert.Equal(parent.TxnID(), records[0].ParentTxnID)
	assert.Equal(child.TxnID(), records[0].TxnID)

	child.PinRollbackLog()
	pinned, unpins := child.RollbackLogPinned()
	assert.True(pinned)
	assert.Equal(uint64(0), unpins)

	require.NoError(child.UnpinRollbackLogForCheckpoint())
	require.NoError(child.UnpinRollbackLogForCheckpoint())
	pinned, unpins = child.RollbackLogPinned()
	assert.False(pinned)
	assert.Equal(uint64(1), unpins)

	require.NoError(child.Commit())
	require.NoError(other.Abort())
	assert.Equal([]cachetable.Txn{parent}, log.LiveTxns())

	err = child.Commit()
	assert.True(blunder.Is(err, blunder.InvalidArgError))
	_, err = log.Begin(child)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	require.NoError(parent.Commit())
	assert.Empty(log.LiveTxns())
}

func TestFileReopen(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "log")

	log, err := Open(path)
	require.NoError(err)
	txn, err := log.Begin(nil)
	require.NoError(err)
	lsn, err := log.LogBeginCheckpoint()
	require.NoError(err)
	require.NoError(log.LogXStillOpen(txn))
	require.NoError(log.LogEndCheckpoint(lsn, 0, 1))
	log.NoteCheckpoint(lsn)
	require.NoError(log.Close())

	_, err = log.Comment("after close")
	assert.True(blunder.Is(err, blunder.NotActiveError))
	assert.True(blunder.Is(log.Close(), blunder.NotActiveError))

	log, err = Open(path)
	require.NoError(err)
	defer log.Close()

	assert.Equal(cachetable.LSN(3), log.LastLSN())
	assert.Equal(cachetable.LSN(1), log.LastCheckpointLSN())

	// Transaction numbering resumes past every logged transaction.
	txn, err = log.Begin(nil)
	require.NoError(err)
	assert.Equal(cachetable.TxnID(2), txn.TxnID())

	lsn, err = log.Comment("reopened")
	require.NoError(err)
	assert.Equal(cachetable.LSN(4), lsn)

	records, err := Scan(path)
	require.NoError(err)
	assert.Equal([]string{
		"1:begin_checkpoint",
		"2:xstillopen:1:0",
		"3:end_checkpoint:1:0:1",
		"4:comment:reopened",
	}, recordStrings(t, records))

	fromLog, err := log.Records()
	require.NoError(err)
	assert.Equal(records, fromLog)
}

func TestChecksumMismatch(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "log")

	log, err := Open(path)
	require.NoError(err)
	_, err = log.Comment("payload")
	require.NoError(err)
	require.NoError(log.Close())

	buf, err := ioutil.ReadFile(path)
	require.NoError(err)
	buf[len(buf)-1] ^= 0xFF
	require.NoError(ioutil.WriteFile(path, buf, 0644))

	_, err = Scan(path)
	assert.True(blunder.Is(err, blunder.ChecksumError))

	_, err = Open(path)
	assert.True(blunder.Is(err, blunder.ChecksumError))
}

func TestBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, ioutil.WriteFile(path, make([]byte, 2*recordHeaderSize), 0644))

	_, err := Scan(path)
	assert.True(t, blunder.Is(err, blunder.CorruptRecordError))
}

func TestTornTail(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "log")

	log, err := Open(path)
	require.NoError(err)
	_, err = log.Comment("first")
	require.NoError(err)
	_, err = log.Comment("second")
	require.NoError(err)
	require.NoError(log.Close())

	info, err := os.Stat(path)
	require.NoError(err)
	require.NoError(os.Truncate(path, info.Size()-3))

	records, err := Scan(path)
	require.NoError(err)
	assert.Equal([]string{"1:comment:first"}, recordStrings(t, records))

	log, err = Open(path)
	require.NoError(err)
	defer log.Close()

	assert.Equal(cachetable.LSN(1), log.LastLSN())
	info, err = os.Stat(path)
	require.NoError(err)
	assert.Equal(int64(recordHeaderSize)+int64(len("first")), info.Size())

	lsn, err := log.Comment("third")
	require.NoError(err)
	assert.Equal(cachetable.LSN(2), lsn)

	records, err = Scan(path)
	require.NoError(err)
	assert.Equal([]string{"1:comment:first", "2:comment:third"}, recordStrings(t, records))
}

func TestDrivesCachetableCheckpoint(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	log := OpenInMemory()
	defer log.Close()

	config := cachetable.DefaultConfig(1 << 20)
	config.WorkerThreads = 1
	config.EnvDir = t.TempDir()
	ct, err := cachetable.New(config, log)
	require.NoError(err)
	defer ct.Close()

	txn, err := log.Begin(nil)
	require.NoError(err)
	txn.PinRollbackLog()

	require.NoError(ct.Checkpoint(nil))

	records, err := log.Records()
	require.NoError(err)
	assert.Equal([]string{
		"1:begin_checkpoint",
		"2:xstillopen:1:0",
		"3:end_checkpoint:1:0:1",
	}, recordStrings(t, records))
	assert.Equal(cachetable.LSN(1), log.LastCheckpointLSN())

	pinned, unpins := txn.RollbackLogPinned()
	assert.False(pinned)
	assert.Equal(uint64(1), unpins)

	require.NoError(ct.LocalCheckpointForCommit(txn, nil))
	records, err = log.Records()
	require.NoError(err)
	assert.Equal("4:local_txn_checkpoint:1", records[len(records)-1].String())
}
