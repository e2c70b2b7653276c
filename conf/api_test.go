// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWriteFile(t *testing.T, dir string, name string, contents string) (path string) {
	path = filepath.Join(dir, name)
	err := ioutil.WriteFile(path, []byte(contents), 0644)
	require.NoError(t, err)
	return
}

func TestUpdateFromString(t *testing.T) {
	assert := assert.New(t)

	confMap, err := MakeConfMapFromStrings([]string{
		"Cachetable.SizeLimit=64MiB",
		"Cachetable.WorkerThreads : 4",
		"Logging.TraceLevelLogging=cachetable, workqueue rwlock",
		"Logging.DebugLevelLogging=",
	})
	require.NoError(t, err)

	sizeLimit, err := confMap.FetchOptionValueByteSize("Cachetable", "SizeLimit")
	assert.NoError(err)
	assert.Equal(uint64(64*1024*1024), sizeLimit)

	workerThreads, err := confMap.FetchOptionValueUint32("Cachetable", "WorkerThreads")
	assert.NoError(err)
	assert.Equal(uint32(4), workerThreads)

	traceLevelLogging, err := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	assert.NoError(err)
	assert.Equal([]string{"cachetable", "workqueue", "rwlock"}, traceLevelLogging)

	debugLevelLogging, err := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	assert.NoError(err)
	assert.Equal(0, len(debugLevelLogging))

	_, err = confMap.FetchOptionValueString("Logging", "TraceLevelLogging")
	assert.Error(err)

	_, err = confMap.FetchOptionValueString("Missing", "Option")
	assert.Error(err)
	_, err = confMap.FetchOptionValueString("Cachetable", "Missing")
	assert.Error(err)

	assert.Error(confMap.UpdateFromString("NoDotHere"))
	assert.Error(confMap.UpdateFromString("   "))
}

func TestFetchTyped(t *testing.T) {
	assert := assert.New(t)

	confMap, err := MakeConfMapFromStrings([]string{
		"Cachetable.EvictFromWriter=off",
		"Cachetable.CheckpointPeriod=250ms",
		"Cachetable.Fraction=0.25",
		"Cachetable.SizeLimit=1048576",
		"Cachetable.Bad=-1s",
		"Cachetable.NotBool=maybe",
	})
	require.NoError(t, err)

	evictFromWriter, err := confMap.FetchOptionValueBool("Cachetable", "EvictFromWriter")
	assert.NoError(err)
	assert.False(evictFromWriter)

	checkpointPeriod, err := confMap.FetchOptionValueDuration("Cachetable", "CheckpointPeriod")
	assert.NoError(err)
	assert.Equal(250*time.Millisecond, checkpointPeriod)

	fraction, err := confMap.FetchOptionValueFloat64("Cachetable", "Fraction")
	assert.NoError(err)
	assert.Equal(0.25, fraction)

	sizeLimit, err := confMap.FetchOptionValueUint64("Cachetable", "SizeLimit")
	assert.NoError(err)
	assert.Equal(uint64(1048576), sizeLimit)

	sizeLimit, err = confMap.FetchOptionValueByteSize("Cachetable", "SizeLimit")
	assert.NoError(err)
	assert.Equal(uint64(1048576), sizeLimit)

	_, err = confMap.FetchOptionValueDuration("Cachetable", "Bad")
	assert.Error(err)

	_, err = confMap.FetchOptionValueBool("Cachetable", "NotBool")
	assert.Error(err)

	assert.Error(confMap.VerifyOptionIsMissing("Cachetable", "SizeLimit"))
	assert.NoError(confMap.VerifyOptionIsMissing("Cachetable", "Absent"))
	assert.NoError(confMap.VerifyOptionIsMissing("Absent", "Absent"))
}

func TestUpdateFromFile(t *testing.T) {
	assert := assert.New(t)

	dir, err := ioutil.TempDir("", "conf_test_")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	_ = testWriteFile(t, dir, "logging.conf",
		"[Logging]\n"+
			"LogToConsole: false ; trailing comment\n")

	mainPath := testWriteFile(t, dir, "main.conf",
		"# cache settings\n"+
			"[Cachetable]\n"+
			"SizeLimit = 8MiB\n"+
			"EnvDir : /tmp/env\n"+
			"\n"+
			".include logging.conf\n"+
			"\n"+
			"[TrackedLock]\n"+
			"LockHoldTimeLimit = 2s\n")

	confMap, err := MakeConfMapFromFile(mainPath)
	require.NoError(t, err)

	envDir, err := confMap.FetchOptionValueString("Cachetable", "EnvDir")
	assert.NoError(err)
	assert.Equal("/tmp/env", envDir)

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	assert.NoError(err)
	assert.False(logToConsole)

	lockHoldTimeLimit, err := confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	assert.NoError(err)
	assert.Equal(2*time.Second, lockHoldTimeLimit)

	err = confMap.UpdateFromString("Cachetable.SizeLimit=16MiB")
	assert.NoError(err)
	sizeLimit, err := confMap.FetchOptionValueByteSize("Cachetable", "SizeLimit")
	assert.NoError(err)
	assert.Equal(uint64(16*1024*1024), sizeLimit)

	badPath := testWriteFile(t, dir, "bad.conf", "SizeLimit = 1\n")
	_, err = MakeConfMapFromFile(badPath)
	assert.Error(err)

	malformedPath := testWriteFile(t, dir, "malformed.conf", "[Cachetable]\n= novalue\n")
	_, err = MakeConfMapFromFile(malformedPath)
	assert.Error(err)

	_, err = MakeConfMapFromFile(filepath.Join(dir, "does-not-exist.conf"))
	assert.Error(err)
}
