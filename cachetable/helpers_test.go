// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testPageSize = int64(100)

// testDisk stands in for the pages of one file.
type testDisk struct {
	sync.Mutex
	pages       map[Key]string
	fetches     map[Key]int
	writes      map[Key]int
	ckptWrites  map[Key]int
	evictions   map[Key]int
	failFetch   map[Key]error
	writeGate   chan struct{} // when set, writes wait for it to be closed
	writeCalled chan Key      // when set, receives each written key before the gate
}

func newTestDisk() *testDisk {
	return &testDisk{
		pages:      make(map[Key]string),
		fetches:    make(map[Key]int),
		writes:     make(map[Key]int),
		ckptWrites: make(map[Key]int),
		evictions:  make(map[Key]int),
		failFetch:  make(map[Key]error),
	}
}

func (disk *testDisk) Fetch(cf *Cachefile, file *os.File, key Key, fullHash uint32) (value interface{}, size int64, err error) {
	disk.Lock()
	defer disk.Unlock()

	if fullHash != cf.Hash(key) {
		return nil, 0, fmt.Errorf("fetch of key %d with wrong hash", key)
	}
	disk.fetches[key]++
	if err = disk.failFetch[key]; nil != err {
		return
	}
	page, ok := disk.pages[key]
	if !ok {
		page = fmt.Sprintf("page-%d", key)
	}
	return page, testPageSize, nil
}

func (disk *testDisk) Flush(cf *Cachefile, file *os.File, key Key, value interface{}, size int64, write bool, keep bool, forCheckpoint bool) {
	if write {
		disk.Lock()
		gate, called := disk.writeGate, disk.writeCalled
		disk.Unlock()
		if called != nil {
			called <- key
		}
		if gate != nil {
			<-gate
		}
	}

	disk.Lock()
	defer disk.Unlock()

	if write {
		disk.pages[key] = value.(string)
		disk.writes[key]++
		if forCheckpoint {
			disk.ckptWrites[key]++
		}
	}
	if !keep {
		disk.evictions[key]++
	}
}

func (disk *testDisk) count(m map[Key]int, key Key) int {
	disk.Lock()
	defer disk.Unlock()
	return m[key]
}

func (disk *testDisk) page(key Key) (page string, ok bool) {
	disk.Lock()
	defer disk.Unlock()
	page, ok = disk.pages[key]
	return
}

// testHooks records the per-file callbacks in order.
type testHooks struct {
	sync.Mutex
	events         []string
	failPin        error
	failBegin      error
	failCheckpoint error
}

func (hooks *testHooks) record(format string, args ...interface{}) {
	hooks.Lock()
	hooks.events = append(hooks.events, fmt.Sprintf(format, args...))
	hooks.Unlock()
}

func (hooks *testHooks) Events() (events []string) {
	hooks.Lock()
	events = append(events, hooks.events...)
	hooks.Unlock()
	return
}

func (hooks *testHooks) Reset() {
	hooks.Lock()
	hooks.events = nil
	hooks.Unlock()
}

func (hooks *testHooks) LogFassociateDuringCheckpoint(cf *Cachefile) error {
	hooks.record("fassociate")
	return nil
}

func (hooks *testHooks) LogSuppressRollbackDuringCheckpoint(cf *Cachefile) error {
	hooks.record("suppressRollback")
	return nil
}

func (hooks *testHooks) Close(cf *Cachefile, file *os.File, lsnValid bool, lsn LSN) (string, error) {
	hooks.record("close")
	return "", nil
}

func (hooks *testHooks) BeginCheckpoint(cf *Cachefile, file *os.File, lsn LSN) error {
	hooks.record("begin:%d", lsn)
	hooks.Lock()
	err := hooks.failBegin
	hooks.Unlock()
	return err
}

func (hooks *testHooks) Checkpoint(cf *Cachefile, file *os.File) error {
	hooks.record("checkpoint")
	hooks.Lock()
	err := hooks.failCheckpoint
	hooks.Unlock()
	return err
}

func (hooks *testHooks) EndCheckpoint(cf *Cachefile, file *os.File) error {
	hooks.record("end")
	return nil
}

func (hooks *testHooks) NotePinByCheckpoint(cf *Cachefile) error {
	hooks.record("pin")
	hooks.Lock()
	err := hooks.failPin
	hooks.Unlock()
	return err
}

func (hooks *testHooks) NoteUnpinByCheckpoint(cf *Cachefile) error {
	hooks.record("unpin")
	return nil
}

type testTxn struct {
	id        TxnID
	unpinned  int
	unpinLock sync.Mutex
}

func (txn *testTxn) TxnID() TxnID { return txn.id }

func (txn *testTxn) UnpinRollbackLogForCheckpoint() error {
	txn.unpinLock.Lock()
	txn.unpinned++
	txn.unpinLock.Unlock()
	return nil
}

// testWAL records log calls as strings.
type testWAL struct {
	sync.Mutex
	lastLSN        LSN
	records        []string
	txns           []Txn
	lastCheckpoint LSN
}

func (wal *testWAL) append(format string, args ...interface{}) (lsn LSN) {
	wal.lastLSN++
	wal.records = append(wal.records, fmt.Sprintf(format, args...))
	return wal.lastLSN
}

func (wal *testWAL) LogBeginCheckpoint() (LSN, error) {
	wal.Lock()
	defer wal.Unlock()
	return wal.append("begin_checkpoint"), nil
}

func (wal *testWAL) LiveTxns() []Txn {
	wal.Lock()
	defer wal.Unlock()
	return append([]Txn(nil), wal.txns...)
}

func (wal *testWAL) LogXStillOpen(txn Txn) error {
	wal.Lock()
	defer wal.Unlock()
	wal.append("xstillopen:%d", txn.TxnID())
	return nil
}

func (wal *testWAL) LogEndCheckpoint(beginLSN LSN, numFiles uint32, numTxns uint32) error {
	wal.Lock()
	defer wal.Unlock()
	wal.append("end_checkpoint:%d:%d:%d", beginLSN, numFiles, numTxns)
	return nil
}

func (wal *testWAL) NoteCheckpoint(beginLSN LSN) {
	wal.Lock()
	wal.lastCheckpoint = beginLSN
	wal.Unlock()
}

func (wal *testWAL) LogLocalTxnCheckpoint(txnID TxnID) (LSN, error) {
	wal.Lock()
	defer wal.Unlock()
	return wal.append("local_checkpoint:%d", txnID), nil
}

func (wal *testWAL) Records() (records []string) {
	wal.Lock()
	records = append(records, wal.records...)
	wal.Unlock()
	return
}

func newTestCachetable(t *testing.T, sizeLimit uint64, wal WAL) *Cachetable {
	config := DefaultConfig(sizeLimit)
	config.WorkerThreads = 2
	config.EnvDir = t.TempDir()

	ct, err := New(config, wal)
	require.NoError(t, err)
	return ct
}

func openTestFile(t *testing.T, ct *Cachetable, name string) *Cachefile {
	cf, err := ct.OpenFile(name, os.O_RDWR|os.O_CREATE, 0600)
	require.NoError(t, err)
	return cf
}

// waitFor polls cond until it holds or five seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// testCheckpointHolds returns cf's refcount, whether it is still held by a
// checkpoint and the length of the pending list.
func (ct *Cachetable) testCheckpointHolds(cf *Cachefile) (refcount uint64, inCheckpoint bool, numPending int) {
	ct.lock()
	defer ct.unlock()
	refcount = cf.refcount
	inCheckpoint = cf.forCheckpoint
	for _, held := range ct.inCheckpoint {
		if held == cf {
			inCheckpoint = true
		}
	}
	for p := ct.pendingHead; p != nil; p = p.pendingNext {
		numPending++
	}
	return
}

func (ct *Cachetable) testPairState(cf *Cachefile, key Key) (state pairState, ok bool) {
	ct.lock()
	defer ct.unlock()
	p, _ := ct.lookup(cf, key, cf.Hash(key))
	if p == nil {
		return pairInvalid, false
	}
	return p.state, true
}

func putPage(t *testing.T, cf *Cachefile, disk *testDisk, key Key) {
	require.NoError(t, cf.Put(key, cf.Hash(key), fmt.Sprintf("put-%d", key), testPageSize, disk))
}
