// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/cachetable/blunder"
)

func TestCloseRefcount(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf1 := openTestFile(t, ct, "refcount")
	cf2 := openTestFile(t, ct, "refcount")
	assert.True(cf1 == cf2)

	hooks := &testHooks{}
	cf1.SetHooks(hooks)
	disk := newTestDisk()

	putPage(t, cf1, disk, 1)
	assert.NoError(cf1.Unpin(1, cf1.Hash(1), false, 0))

	_, err := cf1.Close(false, ZeroLSN)
	assert.NoError(err)
	_, err = cf1.GetKeyState(1, cf1.Hash(1))
	assert.NoError(err)
	assert.Equal(0, disk.count(disk.writes, 1))
	assert.Empty(hooks.Events())

	_, err = cf2.Close(false, ZeroLSN)
	assert.NoError(err)
	assert.Equal(1, disk.count(disk.writes, 1))
	assert.Equal([]string{"close"}, hooks.Events())

	_, err = ct.CachefileOfFilenum(cf1.Filenum())
	assert.True(blunder.Is(err, blunder.NotFoundError))
	_, err = ct.CachefileOfInameInEnv("refcount")
	assert.True(blunder.Is(err, blunder.NotFoundError))

	assert.NoError(ct.Close())
}

func TestAddReference(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "addref")
	cf.AddReference()

	_, err := cf.Close(false, ZeroLSN)
	assert.NoError(err)
	found, err := ct.CachefileOfInameInEnv("addref")
	assert.NoError(err)
	assert.True(found == cf)

	_, err = cf.Close(false, ZeroLSN)
	assert.NoError(err)
	_, err = ct.CachefileOfInameInEnv("addref")
	assert.True(blunder.Is(err, blunder.NotFoundError))

	assert.NoError(ct.Close())
}

func TestOpenDedupByInode(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "original")
	require.NoError(os.Link(ct.FnameInCwd("original"), ct.FnameInCwd("alias")))

	alias := openTestFile(t, ct, "alias")
	assert.True(alias == cf)
	assert.Equal("original", alias.FnameInEnv())

	other := openTestFile(t, ct, "other")
	assert.False(other == cf)
	assert.NotEqual(cf.Filenum(), other.Filenum())

	for _, closing := range []*Cachefile{cf, alias, other} {
		_, err := closing.Close(false, ZeroLSN)
		assert.NoError(err)
	}
	assert.NoError(ct.Close())
}

func TestReserveFilenum(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ct := newTestCachetable(t, 1000, nil)

	reserved, err := ct.ReserveFilenum(false, 0)
	require.NoError(err)
	assert.Equal(Filenum(0), reserved)

	// Automatic numbering skips the reservation.
	cf := openTestFile(t, ct, "auto")
	assert.Equal(Filenum(1), cf.Filenum())

	_, err = ct.ReserveFilenum(true, 1)
	assert.True(blunder.Is(err, blunder.FilenumInUseError))
	_, err = ct.ReserveFilenum(true, 0)
	assert.True(blunder.Is(err, blunder.FilenumInUseError))

	openWith := func(name string, filenum Filenum, reserved bool) (*Cachefile, error) {
		file, err := os.OpenFile(ct.FnameInCwd(name), os.O_RDWR|os.O_CREATE, 0600)
		require.NoError(err)
		return ct.OpenFDWithFilenum(file, name, filenum, reserved)
	}

	_, err = openWith("explicit", 0, false)
	assert.True(blunder.Is(err, blunder.FilenumInUseError))
	_, err = openWith("explicit", 1, false)
	assert.True(blunder.Is(err, blunder.FilenumInUseError))

	explicit, err := openWith("explicit", 0, true)
	require.NoError(err)
	assert.Equal(Filenum(0), explicit.Filenum())

	err = ct.UnreserveFilenum(0)
	assert.True(blunder.Is(err, blunder.NotFoundError))

	reserved, err = ct.ReserveFilenum(true, 5)
	assert.NoError(err)
	assert.Equal(Filenum(5), reserved)
	assert.NoError(ct.UnreserveFilenum(5))

	found, err := ct.CachefileOfFilenum(0)
	assert.NoError(err)
	assert.True(found == explicit)

	_, err = explicit.Close(false, ZeroLSN)
	assert.NoError(err)
	_, err = cf.Close(false, ZeroLSN)
	assert.NoError(err)
	assert.NoError(ct.Close())
}

func TestRedirectToNullDevice(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "null")
	disk := newTestDisk()

	putPage(t, cf, disk, 1)
	require.NoError(cf.Unpin(1, cf.Hash(1), false, 0))
	require.NoError(cf.Flush())
	assert.Equal(1, disk.count(disk.writes, 1))

	require.NoError(cf.RedirectToNullDevice())
	assert.True(cf.IsDevNull())
	assert.Equal("null", cf.FnameInEnv())

	_, _, err := cf.GetAndPin(2, cf.Hash(2), disk)
	assert.True(blunder.Is(err, blunder.NoDeviceError))
	assert.Equal(0, disk.count(disk.fetches, 2))

	cf.GetAndPinFD()
	assert.NoError(cf.Fsync())
	assert.NoError(cf.Truncate(0))
	cf.UnpinFD()

	// Writes are suppressed.
	putPage(t, cf, disk, 3)
	require.NoError(cf.Unpin(3, cf.Hash(3), false, 0))
	require.NoError(cf.Flush())
	assert.Equal(0, disk.count(disk.writes, 3))
	assert.Equal(1, disk.count(disk.evictions, 3))

	_, err = cf.Close(false, ZeroLSN)
	assert.NoError(err)
	assert.NoError(ct.Close())
}

func TestRedirect(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "before")
	other := openTestFile(t, ct, "other")

	file, err := os.OpenFile(ct.FnameInCwd("other"), os.O_RDWR, 0600)
	require.NoError(err)
	err = cf.Redirect(file, "other")
	assert.True(blunder.Is(err, blunder.FileExistsError))
	_ = file.Close()

	file, err = os.OpenFile(ct.FnameInCwd("after"), os.O_RDWR|os.O_CREATE, 0600)
	require.NoError(err)
	require.NoError(cf.Redirect(file, "after"))
	assert.Equal("after", cf.FnameInEnv())

	found, err := ct.CachefileOfInameInEnv("after")
	assert.NoError(err)
	assert.True(found == cf)

	pinned := cf.GetAndPinFD()
	assert.Equal(file, pinned)
	cf.UnpinFD()

	for _, closing := range []*Cachefile{cf, other} {
		_, err = closing.Close(false, ZeroLSN)
		assert.NoError(err)
	}
	assert.NoError(ct.Close())
}

func TestTruncateAndFsync(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "truncate")

	file := cf.GetAndPinFD()
	_, err := file.WriteAt([]byte("0123456789"), 0)
	require.NoError(err)
	assert.NoError(cf.Truncate(4))
	assert.NoError(cf.Fsync())
	cf.UnpinFD()

	info, err := os.Stat(filepath.Join(ct.FnameInCwd("truncate")))
	require.NoError(err)
	assert.Equal(int64(4), info.Size())

	_, err = cf.Close(false, ZeroLSN)
	assert.NoError(err)
	assert.NoError(ct.Close())
}

func TestSetEnvDir(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	dir := t.TempDir()

	assert.NoError(ct.SetEnvDir(dir))
	assert.Equal(filepath.Join(dir, "x"), ct.FnameInCwd("x"))
	assert.Equal("/abs/x", ct.FnameInCwd("/abs/x"))

	err := ct.SetEnvDir(dir)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
	assert.NoError(ct.Close())
}

func TestSizeInMemoryAndCountPinned(t *testing.T) {
	assert := assert.New(t)

	ct := newTestCachetable(t, 1000, nil)
	cf := openTestFile(t, ct, "sizes")
	other := openTestFile(t, ct, "sizes2")
	disk := newTestDisk()

	putPage(t, cf, disk, 1)
	putPage(t, cf, disk, 2)
	putPage(t, other, disk, 1)
	assert.NoError(cf.Unpin(2, cf.Hash(2), false, 0))

	assert.Equal(2*testPageSize, cf.SizeInMemory())
	assert.Equal(1, cf.CountPinned())
	assert.Equal(1, other.CountPinned())
	assert.True(blunder.Is(ct.AssertAllUnpinned(), blunder.DevBusyError))

	assert.NoError(cf.Unpin(1, cf.Hash(1), false, 0))
	assert.NoError(other.Unpin(1, other.Hash(1), false, 0))
	assert.NoError(ct.AssertAllUnpinned())
	assert.NoError(ct.Close())
}
